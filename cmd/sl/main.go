package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"schedline/internal/app"
	"schedline/internal/config"
	"schedline/internal/db"
	"schedline/internal/domain"
	"schedline/internal/logging"
	"schedline/internal/migrate"
	"schedline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Schedline CLI",
	Long: `Schedline simulates a multi-core CPU scheduler as a set of production rules.
- System description: total memory, core count and the processes to run (priority, memory, instructions, I/O positions).
- Policy: fixed rules for admission, scheduling, preemption, I/O, paging, thrashing, thermal shutdown and priority boosting.
- Producers: synthetic temperature, I/O completion and page fault events fed into a run.
- Runs: every run is stored in the workspace database with its outcome events; browse them with 'sl runs'.
- Config: schedline.yml in the workspace; create one with 'sl config init'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCHEDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/schedline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides storage.path)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	rootCmd.PersistentFlags().String("log-format", "", "log format json|console (overrides logging.format)")
	for _, name := range []string{"workspace", "config", "json", "db", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	// env only
	_ = viper.BindEnv("jwt-secret")
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig resolves --config, then the workspace file, then defaults, and
// applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Storage.Path = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	return cfg, nil
}

type env struct {
	cfg *config.Config
	log *zap.Logger
	svc *app.Service
}

// withService opens the workspace database, migrates it and hands fn a
// ready service.
func withService(ctx context.Context, fn func(context.Context, env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	svc := &app.Service{Config: cfg, Repo: repo.Repo{DB: conn}, Log: log}
	return fn(ctx, env{cfg: cfg, log: log, svc: svc})
}

// readDescription parses a system description in YAML or JSON from path, or
// stdin when path is "-".
func readDescription(path string) (domain.SystemDescription, error) {
	var desc domain.SystemDescription
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return desc, err
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("parse system description %s: %w", path, err)
	}
	return desc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
