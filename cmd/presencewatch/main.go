package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/presencewatch/internal/config"
	"github.com/stellarlinkco/presencewatch/internal/store"
	"github.com/stellarlinkco/presencewatch/internal/watcher"
)

var rootCmd = &cobra.Command{
	Use:   "presencewatch",
	Short: "presencewatch - track friend online sessions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFile)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the roster, record sessions and serve the query API",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show presencewatch status",
	RunE:  runStatus,
}

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a legacy JSON session archive and rebuild the hour map",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var rebuildMapCmd = &cobra.Command{
	Use:   "rebuild-map",
	Short: "Recompute the hour density map from stored sessions",
	RunE:  runRebuildMap,
}

var envFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before config")
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, importCmd, rebuildMapCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w. Run 'presencewatch onboard' or set PRESENCEWATCH_TOKEN", err)
	}

	w, err := watcher.New(cfg)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	return w.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfg.Store.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Fprintf(out, "Data directory ready: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your access token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set PRESENCEWATCH_TOKEN environment variable")
	fmt.Fprintln(out, "  3. Run 'presencewatch serve' to start tracking")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Token: %s\n", maskToken(cfg.Provider.Token))
	fmt.Fprintf(out, "API: %s (v%s)\n", cfg.Provider.BaseURL, cfg.Provider.APIVersion)
	fmt.Fprintf(out, "Interval: %v\n", cfg.Watcher.IntervalDuration())
	fmt.Fprintf(out, "Grace threshold: %v\n", cfg.Watcher.GraceThresholdDuration())
	if cfg.Server.Enabled {
		fmt.Fprintf(out, "Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		if cfg.Server.CertFile != "" {
			fmt.Fprintf(out, "HTTPS: %s:%d (%s)\n", cfg.Server.Host, cfg.Server.TLSPort, cfg.Server.CertFile)
		}
		if cfg.Server.StaticDir != "" {
			fmt.Fprintf(out, "Static: %s\n", cfg.Server.StaticDir)
		}
	} else {
		fmt.Fprintln(out, "Server: disabled")
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.Store.DBPath)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintln(out, "Data: not found (run 'presencewatch serve')")
		return nil
	}
	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(out, "Data: error (%v)\n", err)
		return nil
	}
	defer engine.Close()

	stats, err := engine.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(out, "Data: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Users: %d\n", stats.Users)
	fmt.Fprintf(out, "Sessions: %d\n", stats.Sessions)
	fmt.Fprintf(out, "Hour buckets: %d\n", stats.Buckets)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	return withEngine(func(engine *store.Engine) error {
		return importArchive(cmd.Context(), engine, f, cmd.OutOrStdout())
	})
}

func importArchive(ctx context.Context, engine *store.Engine, r io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := engine.ImportLegacy(ctx, r)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Fprintf(out, "Imported %d users, %d sessions (%d skipped)\n", res.Users, res.Sessions, res.Skipped)

	n, err := engine.RebuildHourMap(ctx)
	if err != nil {
		return fmt.Errorf("rebuild hour map: %w", err)
	}
	fmt.Fprintf(out, "Rebuilt hour map: %d buckets\n", n)
	return nil
}

func runRebuildMap(cmd *cobra.Command, args []string) error {
	return withEngine(func(engine *store.Engine) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		n, err := engine.RebuildHourMap(ctx)
		if err != nil {
			return fmt.Errorf("rebuild hour map: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt hour map: %d buckets\n", n)
		return nil
	})
}

func withEngine(fn func(*store.Engine) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Close()
	return fn(engine)
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}
