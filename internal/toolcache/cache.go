package toolcache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Cache 会话内工具结果缓存：仅限只读白名单工具，按 (tool, 规范化参数) 记忆，
// 会话结束即丢弃，不跨会话复用。
// Cache memoizes idempotent tool calls within one session, keyed by
// (tool name, canonical JSON params). Only tools on the read-only allowlist
// are eligible; the cache is discarded at session end, never reused across
// sessions.
type Cache struct {
	mu      sync.Mutex
	allowed map[string]struct{}
	entries map[cacheKey]string
	hits    int
	misses  int
}

type cacheKey struct {
	tool   string
	params string
}

// Stats 命中/未命中计数，暴露给规划上下文
// Stats carries hit/miss counters surfaced to the planning context.
type Stats struct {
	Hits    int
	Misses  int
	Entries int
}

func New(allowlist []string) *Cache {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			allowed[name] = struct{}{}
		}
	}
	return &Cache{
		allowed: allowed,
		entries: map[cacheKey]string{},
	}
}

// Eligible reports whether the tool is on the read-only allowlist.
func (c *Cache) Eligible(tool string) bool {
	_, ok := c.allowed[strings.ToLower(strings.TrimSpace(tool))]
	return ok
}

// Get 查询缓存；未白名单的工具永远 miss 且不计数。
// Get looks up a prior result. Tools off the allowlist always miss and are
// not counted.
func (c *Cache) Get(tool string, params json.RawMessage) (string, bool) {
	if !c.Eligible(tool) {
		return "", false
	}
	key := cacheKey{tool: strings.ToLower(strings.TrimSpace(tool)), params: CanonicalParams(params)}
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[key]
	if ok {
		c.hits++
		return result, true
	}
	c.misses++
	return "", false
}

// Put 存入最近一次成功结果；未白名单的工具被忽略。
// Put stores the last successful result. Off-allowlist tools are ignored.
func (c *Cache) Put(tool string, params json.RawMessage, result string) {
	if !c.Eligible(tool) {
		return
	}
	key := cacheKey{tool: strings.ToLower(strings.TrimSpace(tool)), params: CanonicalParams(params)}
	c.mu.Lock()
	c.entries[key] = result
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// CanonicalParams 将参数 JSON 规范化（键排序、去空白），保证语义相同的参数产生相同缓存键。
// CanonicalParams normalizes params JSON (sorted keys, no insignificant
// whitespace) so semantically identical params produce the same cache key.
func CanonicalParams(params json.RawMessage) string {
	trimmed := strings.TrimSpace(string(params))
	if trimmed == "" {
		return "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return trimmed
	}
	out, err := json.Marshal(canonicalize(decoded))
	if err != nil {
		return trimmed
	}
	return string(out)
}

// canonicalize 递归排序 map 键（encoding/json 对 map 输出即按键排序，此处保证嵌套结构统一）。
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		for i := range val {
			val[i] = canonicalize(val[i])
		}
		return val
	default:
		return val
	}
}
