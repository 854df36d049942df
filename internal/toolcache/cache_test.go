package toolcache

import (
	"encoding/json"
	"testing"
)

func TestCache_HitAfterPut(t *testing.T) {
	c := New([]string{"wiki_get_page_tree"})
	params := json.RawMessage(`{"path": "/wiki"}`)

	if _, ok := c.Get("wiki_get_page_tree", params); ok {
		t.Fatal("expected miss before put")
	}
	c.Put("wiki_get_page_tree", params, `{"ok":true,"tree":[]}`)

	result, ok := c.Get("wiki_get_page_tree", json.RawMessage(`{"path":"/wiki"}`))
	if !ok {
		t.Fatal("expected hit for canonically equal params")
	}
	if result != `{"ok":true,"tree":[]}` {
		t.Fatalf("result=%q", result)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats=%+v, want 1 hit / 1 miss", stats)
	}
}

func TestCache_MutatingToolNeverCached(t *testing.T) {
	c := New([]string{"search"})
	params := json.RawMessage(`{"path":"a.txt"}`)

	c.Put("write_file", params, `{"ok":true}`)
	if _, ok := c.Get("write_file", params); ok {
		t.Fatal("mutating tool must never be served from cache")
	}
	stats := c.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Fatalf("off-allowlist lookups must not count: %+v", stats)
	}
}

func TestCanonicalParams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "key order", in: `{"b":1,"a":2}`, want: `{"a":2,"b":1}`},
		{name: "whitespace", in: `{ "a" : 1 }`, want: `{"a":1}`},
		{name: "nested", in: `{"z":{"y":1,"x":2},"a":[{"n":1,"m":2}]}`, want: `{"a":[{"m":2,"n":1}],"z":{"x":2,"y":1}}`},
		{name: "empty", in: ``, want: `{}`},
		{name: "invalid passthrough", in: `not json`, want: `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanonicalParams(json.RawMessage(tc.in)); got != tc.want {
				t.Fatalf("got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestCache_CaseInsensitiveToolName(t *testing.T) {
	c := New([]string{"Search"})
	c.Put("search", json.RawMessage(`{}`), "r")
	if _, ok := c.Get("SEARCH", json.RawMessage(`{}`)); !ok {
		t.Fatal("tool name matching should be case-insensitive")
	}
}
