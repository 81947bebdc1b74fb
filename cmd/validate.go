package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ceetaro/Suitkaise-sub005/internal/config"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// CreateValidateCmd creates the validate command.
func CreateValidateCmd(registry *processing.Registry) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a worker manifest",
		Long: `Parses the manifest, checks every policy and builds every worker definition ` +
			`without starting any process. Exits non-zero when anything is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "workers.toml"
			if len(args) == 1 {
				path = args[0]
			}
			out := cmd.OutOrStdout()
			if quiet {
				out = io.Discard
			}
			return ValidateManifest(out, path, registry)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report errors")
	return cmd
}

// ValidateManifest checks the manifest at path and writes one line per worker.
func ValidateManifest(out io.Writer, path string, registry *processing.Registry) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}
	manifest, err := config.LoadManifest(path)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tKIND\tENABLED\tLOOPS\tRESTARTS")

	var failed int
	for _, spec := range manifest.Workers {
		def, err := spec.Definition(registry)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\terror: %v\n", spec.Key, spec.Kind, err)
			failed++
			continue
		}
		policy, err := spec.Policy.Policy()
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\terror: %v\n", spec.Key, spec.Kind, err)
			failed++
			continue
		}
		runs := 0
		if l, ok := def.(processing.Limiter); ok {
			runs = l.Limits().Runs
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", spec.Key, spec.Kind, spec.IsEnabled(),
			bound(runs), restarts(policy))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d workers are invalid", failed, len(manifest.Workers))
	}
	return nil
}

func bound(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

func restarts(p processing.Policy) string {
	if !p.CrashRestart {
		return "off"
	}
	return bound(p.MaxRestarts)
}
