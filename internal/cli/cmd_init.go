package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/herdtools/herd/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize herd in the current project",
		Long: `Creates the .herd state directory with a default config.yaml.

Existing configuration is left alone unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := filepath.Join(workDir, config.HerdDir, config.ConfigFileName)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("Already initialized (%s exists). Use --force to overwrite.\n", cfgPath)
				return nil
			}
			cfg := config.Default()
			if err := cfg.Save(workDir); err != nil {
				return err
			}
			if plain {
				fmt.Printf("Initialized herd in %s\n", cfgPath)
			} else {
				fmt.Printf("✓ Initialized herd in %s\n", cfgPath)
			}
			fmt.Println("\nNext steps:")
			fmt.Println("  herd submit plan.yaml    Validate and enqueue a plan")
			fmt.Println("  herd run                 Execute until the plan settles")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	return cmd
}
