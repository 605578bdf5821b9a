package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cjenaro/opencode-acp/internal/command"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the slash commands offered to clients",
	Long: `List the slash commands a session in the working directory offers:
the built-in commands, commands from the configuration and markdown
commands under .opencode/command.`,
	RunE: runCommands,
}

func runCommands(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	catalog := command.NewCatalog(afero.NewOsFs(), dir, cfg.Command)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION\t")
	for _, c := range catalog.List() {
		fmt.Fprintf(w, "/%s\t%s\t%s\t\n", c.Name, c.Source, c.Description)
	}
	return w.Flush()
}
