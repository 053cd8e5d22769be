// Package cmd implements the sessionrunner CLI: a cobra command tree
// over the Group Runner, Queue Runner, SSE daemon, and watch TUI,
// configured through viper from flags, environment variables, and an
// optional YAML config file.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpaulsen/sessionrunner/internal/engine"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/dpaulsen/sessionrunner/internal/telemetry"
)

var cfgFile string

// bus is the single in-process event bus shared by every runner and
// subsystem a command constructs. One broker per process is used even
// when serve hosts several group and queue runners at once.
var bus = pubsub.New[sdkevents.Event]()

var rootCmd = &cobra.Command{
	Use:   "sessionrunner",
	Short: "Orchestrate concurrent AI-assistant engine sessions",
	Long: `sessionrunner drives headless AI-assistant engine processes through
two scheduling modes — dependency-ordered session groups and strictly
sequential command queues — and exposes their progress over SSE and a
terminal dashboard.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("debug") {
			cleanup, err := log.Init(debugLogPath(), 500)
			if err != nil {
				return fmt.Errorf("initialize debug log: %w", err)
			}
			cobra.OnFinalize(cleanup)
			log.SetMinLevel(log.LevelDebug)
		}
		if viper.GetBool("trace") {
			provider, err := telemetry.NewStdoutProvider(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize stdout trace provider: %w", err)
			}
			telemetry.SetGlobal(provider)
			cobra.OnFinalize(func() { _ = provider.Shutdown(context.Background()) })
		}
		return nil
	},
}

// Execute runs the root command; main.go's sole job is to call this.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.sessionrunner.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging to a file")
	rootCmd.PersistentFlags().String("listen", ":8080", "address the serve daemon listens on")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "daemon address group/queue client commands talk to")
	rootCmd.PersistentFlags().String("db", "", "path to a SQLite database file (defaults to an in-memory, process-local store)")
	rootCmd.PersistentFlags().String("engine", "claude", "name of the headless engine executable to spawn")
	rootCmd.PersistentFlags().Bool("trace", false, "print tracing spans for session/command execution to stdout")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("trace", rootCmd.PersistentFlags().Lookup("trace"))

	viper.SetDefault("maxConcurrent", 3)
	viper.SetDefault("maxBudgetUSD", 0.0)
	viper.SetDefault("warningThreshold", 0.8)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sessionrunner")
	}

	viper.SetEnvPrefix("SESSIONRUNNER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Info(log.CatRepo, "loaded config file", "path", viper.ConfigFileUsed())
	}
}

func debugLogPath() string {
	dir := os.TempDir()
	return filepath.Join(dir, "sessionrunner-debug.log")
}

// openRepositories builds the Group/Queue repository pair a command
// should use: a shared SQLite-backed store when --db is set, or two
// independent in-memory stores otherwise. The returned closer must be
// called once the command is done with the repositories.
func openRepositories(clock ids.Clock) (repository.GroupRepository, repository.QueueRepository, func() error, error) {
	dbPath := viper.GetString("db")
	if dbPath == "" {
		return repository.NewMemoryGroupRepository(clock), repository.NewMemoryQueueRepository(clock), func() error { return nil }, nil
	}

	repo, err := repository.OpenSQLiteRepository(dbPath, clock)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite repository at %s: %w", dbPath, err)
	}
	return repo, repo, repo.Close, nil
}

func newProcessManager() engine.ProcessManager {
	return engine.OSProcessManager{}
}

// resolveEngineBinary locates the configured engine executable, checking
// an {ENGINE}_PATH-style environment override and the locations a
// headless engine CLI is commonly installed to (the engine's own
// installer, npm/volta global installs, Homebrew) before falling back to
// a PATH lookup. Resolution failure is non-fatal: the bare name is
// returned so the caller's own exec still gets a shot at PATH, which
// keeps a plain `--engine claude` working even with no known-paths hit.
func resolveEngineBinary(name string) string {
	finder := engine.NewExecutableFinder(name,
		engine.WithEnvOverride(strings.ToUpper(name)+"_PATH"),
		engine.WithKnownPaths(
			"~/."+name+"/local/{name}",
			"~/.local/bin/{name}",
			"~/.npm-global/bin/{name}",
			"~/.volta/bin/{name}",
			"/usr/local/bin/{name}",
			"/opt/homebrew/bin/{name}",
		),
	)
	path, err := finder.Find()
	if err != nil {
		log.Debug(log.CatEngine, "engine executable not in any known location, deferring to PATH", "name", name, "error", err)
		return name
	}
	return path
}
