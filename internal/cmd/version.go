package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionExtended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		w := cmd.OutOrStdout()
		if !versionExtended {
			_, _ = fmt.Fprintf(w, "godetonate %s\n", versionInfo.Version)
			return
		}
		_, _ = fmt.Fprintf(w, "version=%s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(w, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(w, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(w, "go_version=%s\n", runtime.Version())
		_, _ = fmt.Fprintf(w, "platform=%s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionExtended, "extended", false, "Show build details")
}
