package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Chative-core-poc-v1/toolcall/internal/core"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/convert"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/engine"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/observers"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/repo"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/tools"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	pkgredis "github.com/Chative-core-poc-v1/toolcall/pkg/redis"
	pkgsqlite "github.com/Chative-core-poc-v1/toolcall/pkg/sqlite"
	"github.com/cloudwego/eino/schema"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/viant/afs"
)

// AppConfig defines all configurable parameters of the demo, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`

	// Infrastructure
	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	FileStoreURL string `envconfig:"FILE_STORE_URL" default:"mem://localhost/toolcall/state"`
	WorkspaceURL string `envconfig:"WORKSPACE_URL" default:"mem://localhost/toolcall/workspace"`
	Redis        pkgredis.Config
	SQLite       pkgsqlite.Config

	// Component configs
	State       model.StateConfig
	Tracker     model.TrackerConfig
	Persistence model.PersistenceConfig
	Coordinator model.CoordinatorConfig
	Processor   model.ProcessorConfig
}

func openStore(ctx context.Context, cfg AppConfig) (model.StateStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return repo.NewMemoryStore(), func() {}, nil
	case "redis":
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		return repo.NewRedisStore(rdb, cfg.Redis.KeyPrefix, 0), func() { _ = rdb.Close() }, nil
	case "sqlite":
		db, err := pkgsqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		store, err := repo.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case "file":
		return repo.NewFileStore(afs.New(), cfg.FileStoreURL), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q (memory, redis, sqlite, file)", cfg.StoreBackend)
	}
}

func main() {
	ctx := context.Background()
	// Load .env file
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load structured config from env
	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}
	logx.Init(logx.LoggerOpts{Environment: envCfg.Environment, Level: envCfg.LogLevel})

	store, closeStore, err := openStore(ctx, envCfg)
	if err != nil {
		log.Fatalf("Failed to open %s state store: %v", envCfg.StoreBackend, err)
	}
	defer closeStore()
	logx.Info().Str("backend", envCfg.StoreBackend).Msg("state store ready")

	toolset := tools.NewToolset(afs.New(), envCfg.WorkspaceURL)
	eng := engine.New(store, toolset.Tools(), engine.Config{
		State:       envCfg.State,
		Tracker:     envCfg.Tracker,
		Persistence: envCfg.Persistence,
		Coordinator: envCfg.Coordinator,
		Processor:   envCfg.Processor,
	},
		engine.WithObserver(observers.NewTransitionLogger()),
		engine.WithCallbacks(observers.NewToolCallbacks()),
	)

	// An assistant turn as a model would emit it, ids omitted. send_email has
	// no tool and fails on its own.
	turn := schema.AssistantMessage("", []schema.ToolCall{
		{Function: schema.FunctionCall{Name: "create_directory", Arguments: `{"path":"/notes"}`}},
		{Function: schema.FunctionCall{Name: "write_file", Arguments: `{"path":"/notes/todo.md","content":"- ship it\n"}`}},
		{Function: schema.FunctionCall{Name: "read_file", Arguments: `{"path":"/notes/todo.md","depends_on":["call_1"]}`}},
		{Function: schema.FunctionCall{Name: "list_directory", Arguments: `{"path":"/notes"}`}},
		{Function: schema.FunctionCall{Name: "send_email", Arguments: `{"to":"ops@example.com"}`}},
	})

	sessionID := "demo-session"
	res, err := eng.Run(ctx, sessionID, convert.FromMessage(turn))
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	fmt.Printf("Processing order: %v\n", res.Coordination.ProcessingOrder)
	for _, msg := range convert.ToToolMessages(res.Processing) {
		fmt.Printf("[%s] %s\n", msg.ToolCallID, msg.Content)
	}

	backup, err := eng.Backup(ctx, sessionID)
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}
	fmt.Printf("Backup %s (%d calls, ratio %.2f)\n", backup.Backup.BackupID, backup.Backup.StateCount, backup.Backup.CompressionRatio)

	metrics, _ := json.MarshalIndent(res.Metrics, "", "  ")
	fmt.Printf("Session metrics: %s\n", metrics)

	stats := eng.Tracker().GetPeriodStats(time.Now().Add(-time.Hour), time.Now())
	fmt.Printf("Last hour: %d calls, success rate %.2f\n", stats.TotalCalls, stats.SuccessRate)
}
