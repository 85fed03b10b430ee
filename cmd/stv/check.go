package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stevedore-dev/stevedore/codec"
	"github.com/stevedore-dev/stevedore/manifest"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <bundle.toml>",
		Short: "Validate a manifest's graph and format version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return err
			}
			order, err := m.LoadOrder()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d modules, load order %v\n", len(m.Modules), order)
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "verify <bundle.toml>",
		Short: "Verify artifact integrity and decodability against a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return err
			}
			if dir == "" {
				dir = filepath.Dir(args[0])
			}

			for _, mod := range m.Modules {
				data, err := os.ReadFile(filepath.Join(dir, filepath.Base(mod.URL)))
				if err != nil {
					return fmt.Errorf("artifact for %s: %w", mod.ID, err)
				}
				if !manifest.VerifyIntegrity(data, mod.Integrity) {
					return fmt.Errorf("artifact for %s fails integrity check", mod.ID)
				}
				if _, err := codec.Decode(data); err != nil {
					return fmt.Errorf("artifact for %s: %w", mod.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: verified %d artifact(s)\n", len(m.Modules))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "artifact directory (defaults to the manifest's directory)")
	return cmd
}
