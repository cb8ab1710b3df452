// Package cli implements the flock command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tOgg1/flock/internal/app"
	"github.com/tOgg1/flock/internal/config"
	"github.com/tOgg1/flock/internal/logging"
)

var (
	cfgFile     string
	dbPath      string
	viewerFlag  string
	jsonOutput  bool
	jsonlOutput bool
	logLevel    string
	logFormat   string
	verbose     bool
	noColor     bool

	appConfig *config.Config
	logCloser io.Closer

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "flock",
	Short: "Browse conversations and trending items",
	Long: `flock reads and writes the conversations, messages and engagement items
kept in the flock document store. Lists update live with watch, and flockd
keeps the trending ranking materialized for other clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
			logCloser = nil
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/flock/config.yaml)")
	pf.StringVar(&dbPath, "db", "", "database file (overrides database.path)")
	pf.StringVar(&viewerFlag, "viewer", "", "viewer user id (overrides the session and session.viewer_id)")
	pf.BoolVar(&jsonOutput, "json", false, "output JSON")
	pf.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	pf.StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the command tree. It cancels the command context on SIGINT
// or SIGTERM.
func Execute(v, c, d string) error {
	version, commit, date = v, c, d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() error {
	if jsonOutput && jsonlOutput {
		return errors.New("--json and --jsonl are mutually exclusive")
	}

	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	closer, err := logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
		Output:       os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logCloser = closer

	if used := loader.ConfigFileUsed(); used != "" {
		logging.Debug().Str("config_file", used).Msg("loaded config file")
	}

	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg := GetConfig()
	if cfg.Database.Path == "" {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
	}
	a, err := app.Open(ctx, cfg, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return a, nil
}

func sessionStore() *config.ContextStore {
	return config.NewContextStore(filepath.Join(GetConfig().Global.ConfigDir, "session.yaml"))
}

func loadSession() (*config.Context, error) {
	return sessionStore().Load()
}

// requireViewer resolves who is viewing: --viewer, then the saved session,
// then session.viewer_id.
func requireViewer() (string, error) {
	session, err := loadSession()
	if err != nil {
		return "", err
	}
	viewer := strings.TrimSpace(config.ResolveViewer(viewerFlag, session, GetConfig()))
	if viewer == "" {
		return "", &PreflightError{
			Message:  "no viewer selected",
			Hint:     "pass --viewer, or save one for the session",
			NextStep: "flock use --viewer <user-id>",
		}
	}
	return viewer, nil
}

// conversationArg returns the conversation named by args[0], or the one
// opened with `flock use`.
func conversationArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	session, err := loadSession()
	if err != nil {
		return "", err
	}
	if !session.HasConversation() {
		return "", &PreflightError{
			Message:  "no conversation given",
			Hint:     "name one, or open one for the session",
			NextStep: "flock use <conversation-id>",
		}
	}
	return session.ConversationID, nil
}

// PreflightError is a usage problem with a suggested fix.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Hint != "" {
		b.WriteString("\nhint: ")
		b.WriteString(e.Hint)
	}
	if e.NextStep != "" {
		b.WriteString("\ntry: ")
		b.WriteString(e.NextStep)
	}
	return b.String()
}
