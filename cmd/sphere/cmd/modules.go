package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nfrund/sphere/cmd/sphere/internal/format"
	"github.com/nfrund/sphere/internal/supervisor"
)

var modulesJSON bool

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect the installed modules",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the installed modules",
	Long: `Scan the configured module paths the way the director does and list the
modules it would run. When a module is installed in more than one path, the
copy in the earlier path wins.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sup := supervisor.New(supervisor.Config{
			NodeID:      cfg.NodeID,
			ModulePaths: cfg.Director.ModulePaths,
		})
		if err := sup.UpdateModules(); err != nil {
			return err
		}
		mods := format.Modules(sup.Modules())
		if modulesJSON {
			return format.JSON(cmd.OutOrStdout(), mods)
		}
		format.ModulesTable(cmd.OutOrStdout(), mods)
		return nil
	},
}

func init() {
	modulesListCmd.Flags().BoolVar(&modulesJSON, "json", false, "Print JSON instead of a table")
	modulesCmd.AddCommand(modulesListCmd)
	rootCmd.AddCommand(modulesCmd)
}
