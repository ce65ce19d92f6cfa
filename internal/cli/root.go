package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is the configuration file. Empty means config.DefaultFile if
	// it exists.
	Config string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the asyncverify CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "asyncverify",
		Short: "Contract verification for the event-driven order service",
		Long: `asyncverify verifies the order service against its AsyncAPI contract
under a chosen pair of transport protocols.

For each run it rebinds every channel of the specification to the server
of the selected receive or send protocol, attaches the HTTP trigger and
side-effect descriptors, runs the verification engine and classifies its
output. Infrastructure failures and timeouts are reported separately from
contract violations.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file (default ./"+config.DefaultFile+" if present)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSuiteCommand(opts))
	cmd.AddCommand(NewOverlayCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewClassifyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewProfilesCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads the named configuration file, or the default file when
// it exists, over the built-in defaults.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.Config != "" {
		return config.Load(o.Config)
	}
	return config.LoadOptional(config.DefaultFile)
}

// logger writes to w at the configured level, or debug with --verbose.
func (o *RootOptions) logger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	if o.Verbose {
		return logging.NewWithWriter(w, slog.LevelDebug), nil
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewWithWriter(w, level), nil
}

// configError reports an unusable configuration.
func configError(f *OutputFormatter, err error) error {
	_ = f.Error(ErrCodeConfig, err.Error(), nil)
	return WrapExitError(ExitCommandError, ErrCodeConfig+": invalid configuration", err)
}
