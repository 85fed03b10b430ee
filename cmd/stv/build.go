package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevedore-dev/stevedore/pipeline"
)

// rawCompiler ships source bytes as bytecode. The real script compiler is
// host toolchain territory; raw bundles cover dialects whose engine
// consumes source directly.
type rawCompiler struct{}

func (rawCompiler) Compile(_ context.Context, source []byte) ([]byte, []byte, error) {
	return source, nil, nil
}

type buildFlags struct {
	srcDir     string
	outDir     string
	mainModule string
	mainFn     string
	baseURL    string
	compress   bool
	sourceMaps bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.srcDir, "src", "src", "source directory")
	cmd.Flags().StringVar(&f.outDir, "out", "dist", "output directory")
	cmd.Flags().StringVar(&f.mainModule, "main", "", "entry module id")
	cmd.Flags().StringVar(&f.mainFn, "main-fn", "", "entry expression evaluated after load")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "URL prefix for published artifacts")
	cmd.Flags().BoolVar(&f.compress, "compress", false, "zstd-compress artifact sections")
	cmd.Flags().BoolVar(&f.sourceMaps, "source-maps", false, "emit source maps into artifacts")
}

func (f *buildFlags) pipeline() (*pipeline.Pipeline, error) {
	return pipeline.New(rawCompiler{}, pipeline.NewDeclResolver(f.srcDir), pipeline.Options{
		SourceDir:      f.srcDir,
		OutDir:         f.outDir,
		MainModule:     f.mainModule,
		MainFunction:   f.mainFn,
		BaseURL:        f.baseURL,
		Compress:       f.compress,
		EmitSourceMaps: f.sourceMaps,
	})
}

func newBuildCmd() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile every source module into a fresh bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline()
			if err != nil {
				return err
			}
			m, err := p.Build(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %d modules into %s\n", len(m.Modules), flags.outDir)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var flags buildFlags
	var added, modified, removed []string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Apply an incremental compile to the previous bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline()
			if err != nil {
				return err
			}
			m, err := p.Update(cmd.Context(), added, modified, removed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle now has %d modules\n", len(m.Modules))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&added, "added", nil, "added source files")
	cmd.Flags().StringSliceVar(&modified, "modified", nil, "modified source files")
	cmd.Flags().StringSliceVar(&removed, "removed", nil, "removed source files")
	return cmd
}
