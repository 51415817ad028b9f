// Command tm mirrors a remote task service into local JSON files, keeps an
// embedded SQLite cache for fast queries, and reconciles the two on demand
// or continuously via the daemon.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/executor"
	"github.com/steveyegge/taskmirror/internal/flock"
	"github.com/steveyegge/taskmirror/internal/mirror"
	"github.com/steveyegge/taskmirror/internal/reconcile"
	"github.com/steveyegge/taskmirror/internal/remote"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Local mirror for the remote task service",
	Long: `tm keeps a local JSON mirror of your remote task service.

Bind projects with 'tm projects bind', then 'tm sync' pulls every task
into per-project JSON files and an embedded SQLite cache. 'tm check'
reports drift without changing anything, and 'tm daemon' keeps the
mirror current in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.taskmirror/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".taskmirror"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("TM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("base_url", remote.DefaultBaseURL)
	viper.SetDefault("tier", "individual")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("sync_interval", "5m")

	if home, err := os.UserHomeDir(); err == nil {
		viper.SetDefault("data_dir", filepath.Join(home, ".taskmirror"))
	}

	// Missing config file is fine; env vars and flags still apply.
	_ = viper.ReadInConfig()
}

// newLogger builds the structured logger. With log_file set, output rotates
// via lumberjack instead of going to stderr; the daemon runs this way.
func newLogger() pslog.Logger {
	level, ok := pslog.ParseLevel(viper.GetString("log_level"))
	if !ok {
		level = pslog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return pslog.NewStructured(w).LogLevel(level)
}

// requestsPerMinute maps the configured account tier onto the executor's
// admission budget.
func requestsPerMinute() (int, error) {
	switch tier := viper.GetString("tier"); tier {
	case "individual":
		return executor.IndividualPerMinute, nil
	case "team":
		return executor.TeamPerMinute, nil
	default:
		return 0, fmt.Errorf("unknown tier %q (expected individual or team)", tier)
	}
}

// app bundles the wired components behind every command.
type app struct {
	logger pslog.Logger
	exec   *executor.Executor
	client *remote.Client
	store  *mirror.Store
	locks  *flock.Manager
	engine *reconcile.Engine
}

// newApp wires the executor, remote client, mirror store, lock manager, and
// reconciliation engine from the effective configuration.
func newApp() (*app, error) {
	logger := newLogger()

	rpm, err := requestsPerMinute()
	if err != nil {
		return nil, err
	}

	apiKey := viper.GetString("api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("api_key is not set (config file or TM_API_KEY)")
	}

	dataDir := viper.GetString("data_dir")
	if dataDir == "" {
		return nil, fmt.Errorf("data_dir is not set")
	}

	exec := executor.New(executor.Config{
		RequestsPerMinute: rpm,
		Logger:            logger,
	})

	client, err := remote.NewClient(remote.Config{
		BaseURL:  viper.GetString("base_url"),
		APIKey:   apiKey,
		Executor: exec,
		Logger:   logger,
	})
	if err != nil {
		exec.Close()
		return nil, err
	}

	store, err := mirror.NewStore(filepath.Join(dataDir, "mirror"), logger)
	if err != nil {
		exec.Close()
		return nil, err
	}

	locks, err := flock.NewManager(filepath.Join(dataDir, "locks"), flock.WithLogger(logger))
	if err != nil {
		exec.Close()
		return nil, err
	}

	engine, err := reconcile.New(reconcile.Config{
		Remote: client,
		Mirror: store,
		Locks:  locks,
		Logger: logger,
	})
	if err != nil {
		exec.Close()
		return nil, err
	}

	return &app{
		logger: logger,
		exec:   exec,
		client: client,
		store:  store,
		locks:  locks,
		engine: engine,
	}, nil
}

// close drains in-flight calls and shuts the executor down.
func (a *app) close() {
	a.exec.Close()
}

// cachePath is the embedded SQLite cache location under the data directory.
func cachePath() string {
	return filepath.Join(viper.GetString("data_dir"), "cache.db")
}
