package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roasbeef/mailsync/internal/build"
	"github.com/roasbeef/mailsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	// configPath is the path to the TOML configuration file.
	configPath string

	// indexRoot overrides the mail root of the configuration.
	indexRoot string

	// readOnly refuses every mutation.
	readOnly bool

	// outputFormat controls output format (text, json, yaml).
	outputFormat string

	// logLevel overrides the configured log level.
	logLevel string

	// cfg is the loaded configuration with flag overrides applied.
	cfg *config.Config

	// logMgr owns the log sinks of the process.
	logMgr *build.LogManager
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Query, tag and index a local mail store",
	Long: `mailsync reads and changes a local mail index. Searches stream
results as they are found and tag changes are queued and committed in
order, waiting for the index lock when another writer holds it.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logMgr == nil {
			return nil
		}

		return logMgr.Close()
	},
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", config.DefaultPath(),
		"Path to the configuration file",
	)
	rootCmd.PersistentFlags().StringVar(
		&indexRoot, "index", "",
		"Mail root holding the index (overrides index.root)",
	)
	rootCmd.PersistentFlags().BoolVar(
		&readOnly, "read-only", false,
		"Refuse every change to the index",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json, yaml",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"Log level spec, e.g. debug or info,IDX=trace",
	)

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration and starts logging.
func setup(cmd *cobra.Command, args []string) error {
	switch outputFormat {
	case formatText, formatJSON, formatYAML:
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if indexRoot != "" {
		root, err := config.ExpandPath(indexRoot)
		if err != nil {
			return err
		}
		loaded.Index.Root = root
	}
	if readOnly {
		loaded.Index.ReadOnly = true
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	// Stdout carries command output and the MCP protocol, so logs go to
	// stderr.
	logMgr, err = build.NewLogManager(build.LogConfig{
		Console: os.Stderr,
		Level:   cfg.Log.Level,
		Rotator: build.RotatorConfig{
			Dir:         cfg.Log.Dir,
			MaxFiles:    cfg.Log.MaxFiles,
			MaxFileSize: cfg.Log.MaxFileSize,
		},
	})
	if err != nil {
		return err
	}
	setupLoggers(logMgr)

	// The flag is applied on top of the configured levels, so
	// --log-level IDX=trace keeps the file's level for the rest.
	if logLevel != "" {
		if err := logMgr.SetLevel(logLevel); err != nil {
			logMgr.Close()
			return fmt.Errorf("--log-level: %w", err)
		}
	}

	return nil
}
