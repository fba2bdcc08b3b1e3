package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrmd/monitor/internal/audit"
	"github.com/mrmd/monitor/internal/cliconfig"
	"github.com/mrmd/monitor/internal/crdt/memdoc"
	"github.com/mrmd/monitor/internal/logger"
	"github.com/mrmd/monitor/internal/monitor"
	"github.com/mrmd/monitor/internal/runtimeclient"
	"github.com/mrmd/monitor/internal/transport"
)

const (
	defaultName  = "mrmd-monitor"
	defaultColor = "#10b981"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var docFlag, nameFlag, colorFlag, logLevelFlag string

	cmd := &cobra.Command{
		Use:   "monitor [options] <sync-url>",
		Short: "headless monitor that drives remote code execution for a shared document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultsPath, _ := cliconfig.DefaultPath()
			defaults, err := cliconfig.Load(defaultsPath)
			if err != nil {
				return fmt.Errorf("load cli defaults: %w", err)
			}

			doc := firstNonEmpty(docFlag, defaults.Doc, "default")
			name := firstNonEmpty(nameFlag, defaults.Name, defaultName)
			color := firstNonEmpty(colorFlag, defaults.Color, defaultColor)
			logLevel := firstNonEmpty(logLevelFlag, defaults.LogLevel, "info")

			syncURL := args[0]
			if !strings.HasPrefix(syncURL, "ws://") && !strings.HasPrefix(syncURL, "wss://") {
				syncURL = "ws://" + syncURL
			}

			return run(cmd.Context(), runConfig{
				syncURL:  syncURL,
				doc:      doc,
				name:     name,
				color:    color,
				logLevel: logLevel,
			})
		},
	}

	cmd.Flags().StringVar(&docFlag, "doc", "", "room/document name (default \"default\")")
	cmd.Flags().StringVar(&nameFlag, "name", "", "awareness display name (default \""+defaultName+"\")")
	cmd.Flags().StringVar(&colorFlag, "color", "", "awareness display color (default \""+defaultColor+"\")")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "", "one of debug,info,warn,error (default \"info\")")

	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type runConfig struct {
	syncURL  string
	doc      string
	name     string
	color    string
	logLevel string
}

// run wires the transport, coordination, runtime client, audit log, and
// monitor loop together, blocking until SIGINT/SIGTERM or a terminal
// connect failure.
func run(ctx context.Context, cfg runConfig) error {
	pr, pw := io.Pipe()
	go prettyPrintLines(pr, os.Stdout)
	if err := logger.InitTo(cfg.logLevel, "", pw); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.For("cmd")

	auditLog := openAuditLog(log)
	if auditLog != nil {
		defer auditLog.Close()
	}

	clientID := uint64(time.Now().UnixNano())
	underlying := memdoc.New(clientID)

	syncServerURL := strings.TrimSuffix(cfg.syncURL, "/")
	transportClient := transport.New(syncServerURL, clientID, cfg.doc, logger.For("transport"))

	doc := transport.NewDoc(underlying, transportClient, logger.For("transport"))
	transportClient.OnSyncState = doc.ApplySyncState
	transportClient.OnOp = doc.ApplyOp

	connected := make(chan struct{}, 1)
	rejected := make(chan error, 1)
	transportClient.OnStateChange = func(state string, err error) {
		log.Info("transport state", "state", state, "error", errString(err))
		if state == "connected" {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
		if state == "rejected" {
			select {
			case rejected <- err:
			default:
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transportDone := make(chan error, 1)
	go func() {
		transportDone <- transportClient.Run(runCtx)
	}()

	select {
	case <-connected:
	case err := <-rejected:
		cancel()
		return fmt.Errorf("sync server rejected connection: %w", err)
	case err := <-transportDone:
		cancel()
		return fmt.Errorf("transport failed before initial sync: %w", err)
	case <-time.After(30 * time.Second):
		cancel()
		return fmt.Errorf("timed out waiting for initial sync")
	}

	if err := transportClient.SendAwareness(runCtx, map[string]any{
		"user": map[string]any{"name": cfg.name, "color": cfg.color, "type": "monitor"},
	}); err != nil {
		log.Warn("failed to publish awareness", "error", err)
	}

	self := strconv.FormatUint(doc.ClientID(), 10)
	runtime := runtimeclient.New(logger.For("runtime"))
	m := monitor.New(doc, self, runtime, auditLog, logger.For("monitor"))
	if err := m.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("connect monitor: %w", err)
	}

	log.Info("monitor started", "doc", cfg.doc, "name", cfg.name, "self", self, "syncUrl", cfg.syncURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		m.Disconnect()
		time.Sleep(time.Second)
	case err := <-transportDone:
		cancel()
		m.Disconnect()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("transport error: %w", err)
		}
	}

	return nil
}

func openAuditLog(log interface{ Warn(string, ...any) }) *audit.Log {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Warn("failed to resolve home directory, audit log disabled", "error", err)
		return nil
	}
	dir := filepath.Join(home, ".config", "monitor")
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warn("failed to create config directory, audit log disabled", "error", err)
		return nil
	}
	a, err := audit.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		log.Warn("failed to open audit log, continuing without it", "error", err)
		return nil
	}
	return a
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
