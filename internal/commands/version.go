package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command
func NewVersionCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version information for the wattctl tool",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout(), version)
		},
	}

	return cmd
}

func printVersion(w io.Writer, version string) {
	fmt.Fprintf(w, "wattctl version %s\n", version)
	fmt.Fprintf(w, "Built with %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
