package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"taskagent/internal/config"
	"taskagent/internal/executor"
	"taskagent/internal/provider"
	"taskagent/internal/storage"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
)

func main() {
	var (
		configPath string
		sessionID  string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON (comments allowed)")
	flag.StringVar(&sessionID, "session", "", "Resume an existing session id")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.Parse()

	logger := newLogger(verbose)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		fmt.Fprintln(os.Stderr, "no API key: set TASKAGENT_API_KEY or DASHSCOPE_API_KEY")
		os.Exit(1)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	prov := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		TimeoutMS: cfg.Provider.TimeoutMS,
	})

	mission := strings.TrimSpace(strings.Join(flag.Args(), " "))

	resume := strings.TrimSpace(sessionID) != ""
	if !resume {
		sessionID = uuid.NewString()
	}
	if err := store.EnsureSession(sessionID, sessionTitle(mission), cfg.Provider.Model); err != nil {
		fmt.Fprintf(os.Stderr, "ensure session failed: %v\n", err)
		os.Exit(1)
	}

	core := buildCore(sessionID, cfg, prov, store, logger)
	if resume {
		if err := restoreSession(core, store, sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "resume session failed: %v\n", err)
			os.Exit(1)
		}
	}

	inputReader, err := newLineInput(filepath.Join(filepath.Dir(cfg.Storage.DBPath), "repl.history"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init input failed: %v\n", err)
		os.Exit(1)
	}
	defer inputReader.Close()

	fmt.Printf("taskagent session: %s model=%s\n", sessionID, prov.CurrentModel())

	if mission != "" {
		runMission(core, mission)
	}

	for {
		line, err := inputReader.ReadLine("> ")
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				fmt.Fprintln(os.Stdout)
				continue
			case errors.Is(err, io.EOF):
				fmt.Fprintln(os.Stderr, "\nexit")
				return
			default:
				fmt.Fprintf(os.Stderr, "read input failed: %v\n", err)
				return
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/exit" || input == "/quit" {
			return
		}
		runMission(core, input)
	}
}

// runMission 跑一条用户输入并渲染结果；失败原因明确打印，绝不静默吞掉。
// runMission executes one user input and renders the outcome. Failures are
// printed with their reason, never dropped.
func runMission(core *executor.AgentCore, query string) {
	result, err := core.Run(context.Background(), query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mission failed: %v\n", err)
		return
	}
	fmt.Print(renderResult(result, 100))
}

// restoreSession 只恢复对话与计划；缓存与内存历史按约定不恢复。
func restoreSession(core *executor.AgentCore, store *storage.SQLiteStore, sessionID string) error {
	messages, err := store.LoadMessages(sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	core.RestoreConversation(messages)

	snap, ok, err := store.LoadTodoList(sessionID)
	if err != nil {
		return fmt.Errorf("load todolist: %w", err)
	}
	if ok {
		core.RestorePlan(snap)
	}
	return nil
}

func sessionTitle(mission string) string {
	mission = strings.TrimSpace(mission)
	if idx := strings.IndexByte(mission, '\n'); idx >= 0 {
		mission = mission[:idx]
	}
	if len(mission) > 80 {
		mission = mission[:80]
	}
	return mission
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
