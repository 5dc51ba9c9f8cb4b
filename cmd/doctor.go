package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/internal/upgrade"
	"github.com/teleclaude/teleclaude/pkg/client"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("teleclaude doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, env-only defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Computer: %s\n", cfg.ComputerName)

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Storage.Driver)
	dsn := config.ExpandHome(cfg.Storage.Path)
	if cfg.Storage.Driver == sqlstore.DriverPostgres {
		dsn = cfg.Storage.PostgresDSN
	} else {
		fmt.Printf("    %-12s %s\n", "Path:", dsn)
	}
	db, dbErr := sqlstore.Open(cfg.Storage.Driver, dsn)
	if dbErr != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
	} else {
		defer db.Close()
		s, schemaErr := upgrade.CheckSchema(db.DB.DB)
		if schemaErr != nil {
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", schemaErr)
		} else if s.Dirty {
			fmt.Printf("    %-12s v%d (DIRTY, run: teleclaude migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
		} else if s.Compatible {
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
		} else if s.CurrentVersion > s.RequiredVersion {
			fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Printf("    %-12s v%d (run: teleclaude migrate up)\n", "Schema:", s.CurrentVersion)
		}

		pending, hookErr := upgrade.PendingHooks(context.Background(), db.DB.DB)
		if hookErr == nil && len(pending) > 0 {
			fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
		} else if hookErr == nil {
			fmt.Printf("    %-12s all applied\n", "Data hooks:")
		}
	}

	// Daemon
	fmt.Println()
	fmt.Println("  Daemon:")
	fmt.Printf("    %-12s %s\n", "Socket:", cfg.API.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.New(cfg.API.SocketPath).Health(ctx); err != nil {
		fmt.Printf("    %-12s not running\n", "Status:")
	} else {
		fmt.Printf("    %-12s running\n", "Status:")
	}

	// Adapters
	fmt.Println()
	fmt.Println("  Adapters:")
	checkAdapter("Telegram", cfg.Adapters.Telegram.Enabled, cfg.Adapters.Telegram.Token != "")
	checkAdapter("Discord", cfg.Adapters.Discord.Enabled, cfg.Adapters.Discord.Token != "")
	checkAdapter("WhatsApp", cfg.Adapters.WhatsApp.Enabled,
		cfg.Adapters.WhatsApp.AccessToken != "" && cfg.Adapters.WhatsApp.PhoneNumberID != "")
	checkAdapter("WebUI", cfg.Adapters.WebUI.Enabled, true)

	// Peers
	fmt.Println()
	fmt.Println("  Peers:")
	if cfg.Redis.Enabled {
		fmt.Printf("    %-12s %s\n", "Redis:", cfg.Redis.Addr)
	} else {
		fmt.Printf("    %-12s disabled\n", "Redis:")
	}

	// Agent CLIs
	fmt.Println()
	fmt.Println("  Agents:")
	checkBinary("tmux")
	for _, agent := range protocol.KnownAgents() {
		checkBinary(agent)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkAdapter(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
