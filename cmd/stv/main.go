// Command stv is the build-side CLI: it compiles script bundles, applies
// incremental updates, and checks published manifests and artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	var verbosity int

	root := &cobra.Command{
		Use:   "stv",
		Short: "Compile and inspect script bundles",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commonlog.Configure(verbosity, nil)
		},
	}
	root.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "log verbosity")

	root.AddCommand(newBuildCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newVerifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
