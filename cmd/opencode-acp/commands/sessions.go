package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"

	"github.com/cjenaro/opencode-acp/internal/bridge"
)

var sessionsAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List opencode sessions",
	Long: `List the sessions known to the opencode server, newest first.

By default only sessions of the working directory are shown.

Examples:
  opencode-acp sessions             # Sessions of the current directory
  opencode-acp sessions --all       # Every session`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVarP(&sessionsAll, "all", "a", false, "Show sessions of every directory")
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := connectOptions(cfg, dir)
	opts.Spawn = false

	agent, err := bridge.New(bridge.ConnectWith(opts), nil, bridge.Options{Version: Version})
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx := context.Background()
	if _, err := agent.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber}); err != nil {
		return err
	}

	filter := dir
	if sessionsAll {
		filter = ""
	}
	list, err := agent.Summaries(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tDIRECTORY\t")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", s.ID, s.Title, s.UpdatedAt, s.Cwd)
	}
	return w.Flush()
}
