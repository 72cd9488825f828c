// Package main is the CLI entrypoint for novacore. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// administrative user/relationship management (admin), and printing
// version information. The serve command loads configuration, connects to
// PostgreSQL, NATS, DuckDB, and Redis, runs pending migrations, starts the
// outbox publisher and feed ranking engine, and handles graceful shutdown
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nova-core/novacore/internal/broker"
	"github.com/nova-core/novacore/internal/cache"
	"github.com/nova-core/novacore/internal/config"
	"github.com/nova-core/novacore/internal/conversation"
	"github.com/nova-core/novacore/internal/database"
	"github.com/nova-core/novacore/internal/encryption"
	"github.com/nova-core/novacore/internal/federation"
	"github.com/nova-core/novacore/internal/feed"
	"github.com/nova-core/novacore/internal/models"
	"github.com/nova-core/novacore/internal/outbox"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("novacore — conversation and feed ranking core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  novacore <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the novacore server (outbox publisher + feed engine)")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  admin     Manage relationship edges")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  novacore.toml (or set NOVACORE_CONFIG_PATH)")
	fmt.Println("  Env prefix:   NOVACORE_ (e.g. NOVACORE_DATABASE_URL)")
}

// runServe wires every collaborator novacore owns the process for: the
// PostgreSQL pool and its conversation core, the DuckDB analytics handle
// and feed engine, the Redis cache, the NATS broker and outbox publisher,
// and the federated client. It then blocks until a shutdown signal.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting novacore",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	analytics, err := database.NewAnalytics(ctx, cfg.Analytics.Path, logger)
	if err != nil {
		return fmt.Errorf("opening analytics store: %w", err)
	}
	defer analytics.Close()

	rdb, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer rdb.Close()

	br, err := broker.Connect(broker.Config{
		URL:             cfg.NATS.URL,
		SubjectPrefix:   cfg.NATS.SubjectPrefix,
		FallbackSubject: cfg.NATS.FallbackSubject,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer br.Close()

	fedTimeout, err := cfg.Federation.TimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing federation timeout: %w", err)
	}
	fed, err := federation.New(federation.Config{
		Enabled:       cfg.Federation.Enabled,
		HomeserverURL: cfg.Federation.HomeserverURL,
		AccessToken:   cfg.Federation.AccessToken,
		Timeout:       fedTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("constructing federation client: %w", err)
	}

	cryptoSvc := encryption.NewService(db.Pool, logger)
	oracle := conversation.NewPostgresOracle(db.Pool)
	convoSvc := conversation.New(db.Pool, rdb, cryptoSvc, fed, oracle, logger)
	_ = convoSvc // exposed to an RPC transport by the deployment embedding novacore; not wired here

	feedSvc := feed.New(feed.NewCandidateSource(analytics.Conn()), rdb, feed.Config{
		FailureThreshold: cfg.Feed.BreakerFailureThreshold,
		OpenTimeout:      time.Duration(cfg.Feed.BreakerTimeoutSeconds) * time.Second,
		HalfOpenRequests: cfg.Feed.BreakerSuccessThreshold,
	}, logger)
	_ = feedSvc // exposed to an RPC transport by the deployment embedding novacore; not wired here

	pollInterval, err := cfg.Outbox.PollIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing outbox poll interval: %w", err)
	}
	baseBackoff, err := cfg.Outbox.BaseBackoffParsed()
	if err != nil {
		return fmt.Errorf("parsing outbox base backoff: %w", err)
	}
	maxBackoff, err := cfg.Outbox.MaxBackoffParsed()
	if err != nil {
		return fmt.Errorf("parsing outbox max backoff: %w", err)
	}
	publishTimeout, err := cfg.Outbox.PublishTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing outbox publish timeout: %w", err)
	}

	publisher := outbox.NewPublisher(db.Pool, br, outbox.Config{
		PollInterval:   pollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		BaseBackoff:    baseBackoff,
		MaxBackoff:     maxBackoff,
		PublishTimeout: publishTimeout,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		FallbackTopic:  cfg.NATS.FallbackSubject,
	}, logger)

	publisherCtx, cancelPublisher := context.WithCancel(ctx)
	go publisher.Run(publisherCtx)

	logger.Info("novacore ready",
		slog.Bool("federation_enabled", cfg.Federation.Enabled),
		slog.String("analytics_path", cfg.Analytics.Path),
	)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancelPublisher()
	logger.Info("novacore stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runAdmin handles admin subcommands for managing the default relationship
// oracle's user_relationships table.
func runAdmin() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: novacore admin <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  follow <user> <target>   Record that user follows target")
		fmt.Println("  unfollow <user> <target> Remove a follow edge")
		fmt.Println("  block <user> <target>    Record that user blocks target")
		fmt.Println("  unblock <user> <target>  Remove a block edge")
		return nil
	}

	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	switch os.Args[2] {
	case "follow", "block":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: novacore admin %s <user> <target>", os.Args[2])
		}
		user, target := os.Args[3], os.Args[4]
		status := models.RelationshipFollowing
		if os.Args[2] == "block" {
			status = models.RelationshipBlocked
		}
		_, err := db.Pool.Exec(ctx,
			`INSERT INTO user_relationships (user_id, target_id, status, created_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (user_id, target_id) DO UPDATE SET status = $3`,
			user, target, string(status))
		if err != nil {
			return fmt.Errorf("recording relationship: %w", err)
		}
		fmt.Printf("%s -> %s: %s\n", user, target, status)

	case "unfollow", "unblock":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: novacore admin %s <user> <target>", os.Args[2])
		}
		user, target := os.Args[3], os.Args[4]
		tag, err := db.Pool.Exec(ctx,
			`DELETE FROM user_relationships WHERE user_id = $1 AND target_id = $2`,
			user, target)
		if err != nil {
			return fmt.Errorf("removing relationship: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no relationship found from %s to %s", user, target)
		}
		fmt.Printf("removed relationship %s -> %s\n", user, target)

	default:
		return fmt.Errorf("unknown admin action: %s", os.Args[2])
	}

	return nil
}

func runVersion() {
	fmt.Printf("novacore %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

func configPath() string {
	if p := os.Getenv("NOVACORE_CONFIG_PATH"); p != "" {
		return p
	}
	return "novacore.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
