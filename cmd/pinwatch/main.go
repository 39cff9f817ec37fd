// Command pinwatch watches fragments of web pages and notifies on change.
//
// Usage:
//
//	pinwatch -config pinwatch.yaml          # run with config file
//	pinwatch -db pinwatch.db                # run with defaults
//	pinwatch -db pinwatch.db -mcp stdio     # serve MCP tools on stdin/stdout
//	pinwatch -db pinwatch.db -check         # check every task once and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pinwatch"
	"github.com/hazyhaar/pinwatch/dbopen"
	"github.com/hazyhaar/pinwatch/trigger"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to pinwatch.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	mcpMode := flag.String("mcp", "", `MCP transport: "stdio" serves tools on stdin/stdout`)
	checkOnce := flag.Bool("check", false, "check every task once, print the reports and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *addr, *mcpMode, *checkOnce); err != nil {
		logger.Error("pinwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, addr, mcpMode string, checkOnce bool) error {
	cfg, err := resolveConfig(configPath, dbPath, addr)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	opts := []pinwatch.Option{pinwatch.WithLogger(logger)}
	if checkOnce {
		// No recurring triggers in one-shot mode.
		opts = append(opts, pinwatch.WithTrigger(trigger.NewManual()))
	}
	svc, err := pinwatch.New(db, cfg, opts...)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	if checkOnce {
		return checkAll(ctx, svc)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	if mcpMode != "" && mcpMode != "stdio" {
		return fmt.Errorf("unknown -mcp transport %q", mcpMode)
	}
	if mcpMode == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{Name: "pinwatch", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("pinwatch: MCP on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("pinwatch: listening", "addr", cfg.HTTP.Addr, "db", cfg.DBPath,
			"auth", cfg.HTTP.AuthUser != "")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("pinwatch: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func checkAll(ctx context.Context, svc *pinwatch.Service) error {
	tasks, err := svc.Store().List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, t := range tasks {
		rep, err := svc.Scheduler().CheckNow(ctx, t.ID)
		out := map[string]any{"title": t.Title, "url": t.URL, "report": rep}
		if err != nil {
			out["error"] = err.Error()
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func resolveConfig(configPath, dbPath, addr string) (*pinwatch.Config, error) {
	var cfg *pinwatch.Config
	if configPath != "" {
		c, err := pinwatch.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = pinwatch.DefaultConfig()
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	return cfg, nil
}
