package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/behrlich/ptyhost/internal/logger"
	"github.com/behrlich/ptyhost/internal/ptyhost"
)

func main() {
	root := &cobra.Command{
		Use:   "ptyhostd",
		Short: "PTY Host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			configDir, _ := cmd.Flags().GetString("config-dir")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")

			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := ptyhost.LoadConfig(configDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			now := time.Now
			broadcaster := ptyhost.NewBroadcaster(logger.Log)
			system := ptyhost.NewSystem(cfg, broadcaster, logger.Log, now)
			surface := system.Surface

			mux := http.NewServeMux()
			mux.HandleFunc("/pty", func(w http.ResponseWriter, r *http.Request) {
				conn, err := websocket.Accept(w, r, nil)
				if err != nil {
					return
				}
				sessionID := r.URL.Query().Get("sessionId")
				if sessionID == "" {
					sessionID = uuid.NewString()
				}

				broadcaster.Subscribe(sessionID, conn)
				defer broadcaster.Unsubscribe(sessionID)

				surface.Serve(r.Context(), conn, sessionID)
			})

			httpSrv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: mux,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Info("ptyhostd listening", "addr", cfg.ListenAddr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		},
	}

	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("config-dir", defaultConfigDir(), "directory holding ptyhost.yaml")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "additional log file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.ptyhost"
}
