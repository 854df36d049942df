package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
}

type ExecutorConfig struct {
	// MaxSteps 整个任务的硬步数上限
	MaxSteps int `json:"max_steps"`
	// MaxAttempts 单步失败重试上限
	MaxAttempts int `json:"max_attempts"`
	// MaxToolIterations 单步内部决策循环上限
	MaxToolIterations int `json:"max_tool_iterations"`
}

type RouterConfig struct {
	// LengthThreshold 超过该字符数的查询判为新任务
	LengthThreshold int `json:"length_threshold"`
}

type HistoryConfig struct {
	ContextTokenLimit int `json:"context_token_limit"`
	MessageThreshold  int `json:"message_threshold"`
	KeepRecent        int `json:"keep_recent"`
}

type ResultStoreConfig struct {
	StoreThresholdChars int `json:"store_threshold_chars"`
	PreviewChars        int `json:"preview_chars"`
}

type CacheConfig struct {
	// Allowlist 只读工具白名单；空则按工具风险等级自动推导。
	// Allowlist is the read-only tool allowlist; when empty it is derived
	// from tool risk levels.
	Allowlist []string `json:"allowlist"`
}

type StorageConfig struct {
	DBPath string `json:"db_path"`
}

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Executor    ExecutorConfig    `json:"executor"`
	Router      RouterConfig      `json:"router"`
	History     HistoryConfig     `json:"history"`
	ResultStore ResultStoreConfig `json:"result_store"`
	Cache       CacheConfig       `json:"cache"`
	Storage     StorageConfig     `json:"storage"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:     "qwen3-coder-30b-a3b-instruct",
			TimeoutMS: 120000,
		},
		Executor: ExecutorConfig{
			MaxSteps:          40,
			MaxAttempts:       3,
			MaxToolIterations: 8,
		},
		Router: RouterConfig{
			LengthThreshold: 100,
		},
		History: HistoryConfig{
			ContextTokenLimit: 24000,
			MessageThreshold:  20,
			KeepRecent:        10,
		},
		ResultStore: ResultStoreConfig{
			StoreThresholdChars: 2000,
			PreviewChars:        300,
		},
		Storage: StorageConfig{
			DBPath: "~/.taskagent/agent.db",
		},
	}
}

// Load 读取 JSON 配置（容忍注释），再套用 TASKAGENT_* 环境变量覆盖。
// Load reads the JSON config (comments tolerated), then applies TASKAGENT_*
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("TASKAGENT_CONFIG_PATH")); envPath != "" {
		resolved = envPath
	}
	if resolved != "" {
		data, err := os.ReadFile(expandHome(resolved))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %q: %w", resolved, err)
			}
		} else {
			if err := json.Unmarshal(stripJSONComments(data), &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", resolved, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("TASKAGENT_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TASKAGENT_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("TASKAGENT_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TASKAGENT_MAX_STEPS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid TASKAGENT_MAX_STEPS: %q", v)
		}
		cfg.Executor.MaxSteps = n
	}
	if v := strings.TrimSpace(os.Getenv("TASKAGENT_DB_PATH")); v != "" {
		cfg.Storage.DBPath = v
	}
	return nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.Executor.MaxSteps <= 0 {
		cfg.Executor.MaxSteps = def.Executor.MaxSteps
	}
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = def.Executor.MaxAttempts
	}
	if cfg.Executor.MaxToolIterations <= 0 {
		cfg.Executor.MaxToolIterations = def.Executor.MaxToolIterations
	}
	if cfg.Router.LengthThreshold <= 0 {
		cfg.Router.LengthThreshold = def.Router.LengthThreshold
	}
	if cfg.History.ContextTokenLimit <= 0 {
		cfg.History.ContextTokenLimit = def.History.ContextTokenLimit
	}
	if cfg.History.MessageThreshold <= 0 {
		cfg.History.MessageThreshold = def.History.MessageThreshold
	}
	if cfg.History.KeepRecent <= 0 {
		cfg.History.KeepRecent = def.History.KeepRecent
	}
	if cfg.ResultStore.StoreThresholdChars <= 0 {
		cfg.ResultStore.StoreThresholdChars = def.ResultStore.StoreThresholdChars
	}
	if cfg.ResultStore.PreviewChars <= 0 {
		cfg.ResultStore.PreviewChars = def.ResultStore.PreviewChars
	}
	if strings.TrimSpace(cfg.Storage.DBPath) == "" {
		cfg.Storage.DBPath = def.Storage.DBPath
	}
	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
