package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/overlay"
)

// NewProfilesCommand creates the profiles command.
func NewProfilesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the protocol pairs with a precomputed overlay",
		Long: `List the protocol pairs the precomputed strategy supports: the
built-in set plus any artifacts in paths.assets.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles(rootOpts, cmd)
		},
	}

	return cmd
}

func runProfiles(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}

	pairs, err := overlay.NewPrecomputed(cfg.AssetSources()).Pairs()
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeGeneric+": cannot list profiles", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(pairs)
	}
	for _, p := range pairs {
		fmt.Fprintln(formatter.Writer, p)
	}
	return nil
}
