package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/config"
	"github.com/hugo-lorenzo-mato/opsgate/internal/fsutil"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize opsgate in the current directory",
	Long: `Create .opsgate/config.yaml with the default configuration. The SQLite
ledger is created next to it on first use.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	initForce  bool
	initGlobal bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
	initCmd.Flags().BoolVar(&initGlobal, "global", false, "Write the user-level config (~/.config/opsgate/config.yaml) instead")
}

func runInit(cmd *cobra.Command, _ []string) error {
	var path string
	if initGlobal {
		p, err := config.GlobalConfigPath()
		if err != nil {
			return err
		}
		path = p
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		path = config.ProjectConfigPath(cwd)
	}

	if initForce {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := fsutil.WriteFileAtomic(path, []byte(config.DefaultConfigYAML), 0o600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
	} else {
		created, err := config.EnsureConfigFile(path)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("configuration already exists at %s, use --force to overwrite", path)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
