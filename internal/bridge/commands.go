package bridge

import (
	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/command"
	"github.com/cjenaro/opencode-acp/internal/logging"
)

// catalog returns the command catalog for dir, loading it and starting its
// watcher on first use.
func (a *Agent) catalog(dir string) *command.Catalog {
	a.catalogMu.Lock()
	defer a.catalogMu.Unlock()

	if c, ok := a.catalogs[dir]; ok {
		return c
	}
	c := command.NewCatalog(a.opts.Fs, dir, a.opts.Commands)
	a.catalogs[dir] = c

	if a.opts.WatchCommands {
		if err := c.Watch(a.ctx, func() { a.readvertise(c) }); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("Failed to watch command directory")
		}
	}
	return c
}

// readvertise pushes the reloaded command list to every session working in
// the catalog's directory.
func (a *Agent) readvertise(c *command.Catalog) {
	update := commandsUpdate(c)
	for _, s := range a.sessions.List() {
		if s.Cwd != c.Dir() {
			continue
		}
		if err := a.notifier.Notify(acp.SessionId(s.ID), update); err != nil {
			logging.Warn().Err(err).Str("sessionID", s.ID).Msg("Failed to queue command update")
		}
	}
}

func commandsUpdate(c *command.Catalog) acp.SessionUpdate {
	list := c.List()
	available := make([]acp.AvailableCommand, 0, len(list))
	for _, cmd := range list {
		ac := acp.AvailableCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
		}
		if cmd.Hint != "" {
			ac.Input = &acp.AvailableCommandInput{
				UnstructuredCommandInput: &acp.AvailableCommandUnstructuredCommandInput{Hint: cmd.Hint},
			}
		}
		available = append(available, ac)
	}
	return acp.SessionUpdate{
		AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{AvailableCommands: available},
	}
}

func modeUpdate(mode string) acp.SessionUpdate {
	return acp.SessionUpdate{
		CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: acp.SessionModeId(mode)},
	}
}
