package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pairgate/internal/config"
	"github.com/nextlevelbuilder/pairgate/internal/credentials"
	"github.com/nextlevelbuilder/pairgate/internal/plugins"
	"github.com/nextlevelbuilder/pairgate/internal/whatsapp"
	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("pairgate doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Server
	fmt.Println()
	fmt.Println("  Server:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Addr())
	if cfg.Server.Token != "" {
		fmt.Printf("    %-12s configured\n", "Token:")
	} else {
		fmt.Printf("    %-12s (not configured, API is open)\n", "Token:")
	}

	// Sessions
	fmt.Println()
	fmt.Println("  Sessions:")
	dir := config.ExpandHome(cfg.Sessions.Dir)
	checkDir("Dir:", dir)
	store := credentials.NewStore(credentials.Options{Root: dir, Paired: whatsapp.Registered})
	if ids, err := store.List(); err != nil {
		fmt.Printf("    %-12s error: %s\n", "Bundles:", err)
	} else {
		registered := 0
		for _, id := range ids {
			if store.Registered(ctx, id) {
				registered++
			}
		}
		fmt.Printf("    %-12s %d (%d registered)\n", "Bundles:", len(ids), registered)
	}
	fmt.Printf("    %-12s %s\n", "Default:", cfg.Sessions.DefaultBotID)
	if cfg.Remote.Bundle != "" {
		fmt.Printf("    %-12s configured\n", "Remote:")
	}

	// Integrations
	fmt.Println()
	fmt.Println("  Integrations:")
	checkRedis(ctx, cfg.Redis.URL)
	pluginDir := config.ExpandHome(cfg.Plugins.Dir)
	pm := plugins.NewManager(pluginDir, 0)
	if err := pm.Load(); err != nil {
		fmt.Printf("    %-12s error: %s\n", "Plugins:", err)
	} else {
		fmt.Printf("    %-12s %d in %s\n", "Plugins:", len(pm.Scripts()), pluginDir)
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s, requires -tags otel)\n", "Telemetry:", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Printf("    %-12s disabled\n", "Telemetry:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDir(label, dir string) {
	if info, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND, created on first use)\n", label, dir)
	} else if !info.IsDir() {
		fmt.Printf("    %-12s %s (NOT A DIRECTORY)\n", label, dir)
	} else {
		fmt.Printf("    %-12s %s (OK)\n", label, dir)
	}
}

func checkRedis(ctx context.Context, url string) {
	if url == "" {
		fmt.Printf("    %-12s disabled\n", "Redis:")
		return
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		fmt.Printf("    %-12s invalid url: %s\n", "Redis:", err)
		return
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("    %-12s %s UNREACHABLE (%s)\n", "Redis:", opts.Addr, err)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", "Redis:", opts.Addr)
}
