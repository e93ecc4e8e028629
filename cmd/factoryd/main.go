// Command factoryd runs one pipeline invocation against a project: it
// classifies a user message, dispatches the planned agents, accounts
// for every token spent, and commits the result to the project's git
// history.
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/agentforge/internal/agentio"
	"github.com/arctek/agentforge/internal/billing"
	"github.com/arctek/agentforge/internal/db"
	"github.com/arctek/agentforge/internal/events"
	"github.com/arctek/agentforge/internal/orchestrator"
	"github.com/arctek/agentforge/internal/pricing"
	"github.com/arctek/agentforge/internal/settings"
	"github.com/arctek/agentforge/internal/version"
)

var (
	buildVersion = "dev"
	gitCommit    = "unknown"
)

func main() {
	var (
		dbPath       = flag.String("db", "factoryd.db", "SQLite database path")
		projectsRoot = flag.String("projects-root", "projects", "Root directory project paths must resolve under")
		projectPath  = flag.String("project-path", "", "Project working directory (must resolve under projects-root)")
		projectName  = flag.String("project-name", "default", "Project display name, used for new projects")
		chatID       = flag.String("chat", "", "Existing chat id to continue, or empty to start a new chat")
		message      = flag.String("message", "", "User message to send into the pipeline")
		showVersion  = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("factoryd %s (commit: %s)\n", buildVersion, gitCommit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *projectPath == "" || *message == "" {
		fmt.Fprintln(os.Stderr, "usage: factoryd -project-path <dir> -message <text> [-chat <id>] [-db <path>]")
		os.Exit(2)
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	store := db.NewStore(database)
	pricingEngine := pricing.NewEngine(store)
	ledger := billing.NewLedger(store, pricingEngine)
	config := settings.NewPipelineConfig(store)
	limiter := billing.NewLimiter(store, config)
	versions := version.NewStore(*projectsRoot, config, config, logger)
	bus := events.NewBus()

	if n, err := ledger.SweepOrphans(); err != nil {
		logger.Error("failed to sweep orphaned ledger rows", "error", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("swept orphaned provisional ledger rows", "count", n)
	}

	if n, err := store.SweepStuckRuns(time.Now().UnixMilli()); err != nil {
		logger.Error("failed to sweep stuck pipeline runs", "error", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("interrupted stale pipeline runs from a prior crash", "count", n)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		logger.Error("ANTHROPIC_API_KEY is not set")
		os.Exit(1)
	}
	model := agentio.NewAnthropicCaller(apiKey)

	var now orchestrator.Clock = func() int64 { return time.Now().UnixMilli() }
	orch := orchestrator.New(store, ledger, limiter, config, versions, bus, model, now, logger)

	project, err := resolveProject(store, *projectPath, *projectName, now())
	if err != nil {
		logger.Error("failed to resolve project", "error", err)
		os.Exit(1)
	}

	chat, err := resolveChat(store, project.ID, *chatID, *message, now())
	if err != nil {
		logger.Error("failed to resolve chat", "error", err)
		os.Exit(1)
	}

	if err := versions.EnsureRepo(context.Background(), project.Path); err != nil {
		logger.Warn("failed to initialize project git repo", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, aborting pipeline", "chat", chat.ID)
		orch.AbortPipeline(chat.ID)
		cancel()
	}()

	sub, unsubscribe := bus.Subscribe(ctx, chat.ID)
	defer unsubscribe()
	go func() {
		for evt := range sub {
			logger.Info("pipeline event", "agent", events.DisplayName(evt.AgentName), "status", evt.Status, "summary", evt.Summary)
		}
	}()

	run, err := orch.RunPipeline(ctx, orchestrator.RunParams{
		ChatID:      chat.ID,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		ChatTitle:   chat.Title,
		ProjectPath: project.Path,
		UserMessage: *message,
		APIKeyHash:  hashAPIKey(apiKey),
	})
	cancel()
	if err != nil {
		logger.Error("pipeline run failed to start", "error", err)
		os.Exit(1)
	}

	fmt.Printf("run %s finished with status %s\n", run.ID, run.Status)
	if run.Reason != "" {
		fmt.Printf("reason: %s\n", run.Reason)
	}
	if run.Status != db.RunCompleted {
		os.Exit(1)
	}
}

func resolveProject(store *db.Store, path, name string, nowMs int64) (*db.Project, error) {
	projects, err := findProjectByPath(store, path)
	if err != nil {
		return nil, err
	}
	if projects != nil {
		return projects, nil
	}

	p := &db.Project{ID: uuid.New().String(), Name: name, Path: path, CreatedAt: nowMs, UpdatedAt: nowMs}
	if err := store.CreateProject(p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

func findProjectByPath(store *db.Store, path string) (*db.Project, error) {
	row := store.DB().QueryRow(`SELECT id, name, path, created_at, updated_at FROM projects WHERE path = ?`, path)
	p := &db.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up project by path: %w", err)
	}
	return p, nil
}

func resolveChat(store *db.Store, projectID, chatID, message string, nowMs int64) (*db.Chat, error) {
	if chatID != "" {
		return store.GetChat(chatID)
	}

	title := message
	if len(title) > 60 {
		title = title[:60]
	}
	c := &db.Chat{ID: uuid.New().String(), ProjectID: projectID, Title: title, CreatedAt: nowMs, UpdatedAt: nowMs}
	if err := store.CreateChat(c); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return c, nil
}

// hashAPIKey derives a non-reversible identifier for cost attribution.
// Only the digest is ever persisted (spec.md §5: "API-key material:
// never logged; every persisted row stores only a SHA-256 digest") —
// the raw key never reaches a database row.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
