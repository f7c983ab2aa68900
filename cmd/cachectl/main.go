// cachectl administers a diskcache payload directory: inspect per-function
// entry counts, clear functions, prune stale entries and migrate legacy
// payload filenames.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diskcache/internal/config"
	"diskcache/internal/logging"
	"diskcache/pkg/cache"
)

var (
	// Global flags
	configPath string
	cacheDir   string
	logDir     string
	verbose    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cachectl",
	Short: "Administer a diskcache directory",
	Long: `cachectl inspects and maintains the on-disk function result cache:
per-function entry counts and hits, clearing, stale-entry pruning and
legacy payload filename migration.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Options{
			Debug:   verbose,
			Dir:     logDir,
			Console: true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openCache loads configuration (file, env, flags) and opens the cache.
// Maintenance commands skip the automatic prune at open so each command
// does exactly what it says.
func openCache() (*cache.Cache, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cacheDir != "" {
		cfg.Dir = config.ExpandPath(cacheDir)
	}
	return cache.Open(cfg, cache.Options{Logger: logger, SkipInitialPrune: true})
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to diskcache.yaml")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "dir", "", "cache directory (overrides config and DISK_CACHE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write dated log files to this directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(migrateNamesCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
