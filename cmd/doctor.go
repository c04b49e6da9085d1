package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/store"
	"github.com/nextlevelbuilder/autoreply/internal/store/file"
	"github.com/nextlevelbuilder/autoreply/internal/store/pg"
	"github.com/nextlevelbuilder/autoreply/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, storage and rules health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("autoreply doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var devices []store.DeviceInstance
	fmt.Println()
	fmt.Println("  Storage:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		devices = checkDatabase(ctx, cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone\n", "Mode:")
		checkRulesFile(cfg.RulesPath())
		checkPath("Media:", cfg.MediaPath())
		devices, err = cfg.DeviceInstances()
		if err != nil {
			fmt.Printf("    %-12s INVALID (%s)\n", "Devices:", err)
		}
	}

	fmt.Println()
	fmt.Println("  AI provider:")
	if cfg.HasProvider() {
		fmt.Printf("    %-12s %s (model %s)\n", "Provider:", cfg.Provider.Name, cfg.Provider.DefaultModel)
		checkSecret("API key:", cfg.Provider.APIKey)
	} else {
		fmt.Printf("    %-12s (not configured, AI rules reply with their fallback)\n", "Provider:")
	}

	fmt.Println()
	fmt.Println("  Devices:")
	if len(devices) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, d := range devices {
		status := "enabled"
		if !d.Enabled {
			status = "disabled"
		}
		fmt.Printf("    %-32s %s\n", d.ChannelType+":"+d.ID+" ("+d.TenantID+"):", status)
	}

	fmt.Println()
	fmt.Println("  Webhook:")
	if cfg.Webhook.DefaultURL != "" {
		fmt.Printf("    %-12s %s\n", "Default:", cfg.Webhook.DefaultURL)
	} else {
		fmt.Printf("    %-12s (per-rule only)\n", "Default:")
	}
	checkSecret("Secret:", cfg.Webhook.Secret)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkDatabase pings Postgres, reports the schema state and returns the
// enabled devices.
func checkDatabase(ctx context.Context, dsn string) []store.DeviceInstance {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return nil
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return nil
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, see: autoreply migrate force)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: autoreply migrate up)\n", "Schema:", s.CurrentVersion)
	}
	if err != nil || !s.Compatible {
		return nil
	}

	devices, err := pg.NewPGDeviceStore(db).ListEnabled(ctx)
	if err != nil {
		fmt.Printf("    (could not query devices: %s)\n", err)
		return nil
	}
	return devices
}

func checkRulesFile(path string) {
	rules, err := file.LoadRulesFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("    %-12s %s (NOT FOUND)\n", "Rules:", path)
		} else {
			fmt.Printf("    %-12s %s (INVALID: %s)\n", "Rules:", path, err)
		}
		return
	}
	problems := autoreply.LintRules(rules)
	fmt.Printf("    %-12s %s (%d rules, %d problems)\n", "Rules:", path, len(rules), len(problems))
}

func checkPath(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", label, path)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", label, path)
}

func checkSecret(label, v string) {
	if v == "" {
		fmt.Printf("    %-12s (not set)\n", label)
		return
	}
	if len(v) <= 8 {
		fmt.Printf("    %-12s %s\n", label, strings.Repeat("*", len(v)))
		return
	}
	fmt.Printf("    %-12s %s\n", label, v[:4]+strings.Repeat("*", len(v)-8)+v[len(v)-4:])
}
