package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ceetaro/Suitkaise-sub005/internal/version"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// CreateKindsCmd creates the kinds command.
func CreateKindsCmd(registry *processing.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the worker kinds a manifest can use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			PrintKinds(cmd.OutOrStdout(), registry)
		},
	}
}

// PrintKinds writes the registered kinds, one per line.
func PrintKinds(out io.Writer, registry *processing.Registry) {
	for _, kind := range registry.Kinds() {
		fmt.Fprintln(out, kind)
	}
}

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (commit %s, built %s, build %s)\n", info.Version, info.GitCommit, info.BuildDate, info.BuildID)
			fmt.Fprintf(out, "%s %s %s\n", info.GoVersion, info.Compiler, info.Platform)
		},
	}
}
