// Command tyrantd runs the TyrantDB server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	tmcp "github.com/sanonone/tyrantdb/internal/mcp"
	"github.com/sanonone/tyrantdb/internal/server"
	"github.com/sanonone/tyrantdb/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	tcpAddr := flag.String("tcp-addr", "", "Protocol listener address (overrides server.tcp_addr)")
	httpAddr := flag.String("http-addr", "", "Admin API address (overrides server.http_addr)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides storage.data_dir)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides log.level)")
	mcpStdio := flag.Bool("mcp-stdio", false, "Serve MCP tools on stdin/stdout")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tyrantd: %v\n", err)
		os.Exit(1)
	}
	if *tcpAddr != "" {
		cfg.Server.TCPAddr = *tcpAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	setupLogger(cfg.Log)

	eng, err := engine.Open(cfg.EngineOptions())
	if err != nil {
		slog.Error("Failed to open engine", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(eng, cfg.Server)
	var mcpServer *mcp.Server
	if cfg.MCP.Enabled || *mcpStdio {
		mcpServer = tmcp.NewMCPServer(eng)
	}
	if cfg.MCP.Enabled {
		srv.EnableMCP(tmcp.NewHTTPHandler(mcpServer))
	}

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		eng.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mcpStdio {
		// stdout belongs to the MCP transport; logs go to stderr.
		go func() {
			if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio session ended", "error", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	srv.Shutdown()
	if err := eng.Close(); err != nil {
		slog.Error("Engine close failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func setupLogger(cfg server.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
