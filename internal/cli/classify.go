package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/outcome"
)

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [transcript-file]",
		Short: "Classify a saved engine transcript",
		Long: `Classify engine output exactly as a run would, reading the file
given or stdin.

Exits 0 only for SUCCESS: zero failures and a non-zero pass count.

Example:
  asyncverify classify build/engine.log
  docker logs specmatic | asyncverify classify`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runClassify(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return notFound(formatter, args[0], err)
		}
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeGeneric+": cannot read stdin", err)
		}
	}

	out := outcome.Classify(string(data))

	if formatter.Format == "json" {
		if out.OK() {
			return formatter.Success(out)
		}
		if err := formatter.Failure(ErrCodeVerification, out.Reason, out); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", ErrCodeVerification, out))
	}

	fmt.Fprintf(formatter.Writer, "%s  %s\n", formatter.Verdict(out.Verdict), out.Reason)
	if out.Passed >= 0 || out.Failed >= 0 {
		fmt.Fprintf(formatter.Writer, "  passed %s, failed %s\n", count(out.Passed), count(out.Failed))
	}
	writeExcerpt(formatter.Writer, out.Excerpt)
	if out.OK() {
		return nil
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", ErrCodeVerification, out))
}

func count(n int) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
