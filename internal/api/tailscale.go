package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/teleclaude/teleclaude/internal/config"
)

// StartTailscale serves the API on a tailnet node when a tsnet hostname
// is configured. Returns a cleanup func, nil when disabled. The node
// needs no open ports on the host; access control is the tailnet ACL.
func StartTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	dir := config.ExpandHome(cfg.Tailscale.StateDir)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "tsnet-teleclaude")
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       dir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
		Logf:      func(string, ...any) {}, // tsnet is chatty; surface errors only
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		slog.Info("api listening", "tailnet", cfg.Tailscale.Hostname)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet listener failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	return func() {
		httpServer.Close()
		srv.Close()
	}
}
