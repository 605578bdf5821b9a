package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/command"
	"github.com/cjenaro/opencode-acp/internal/session"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

// slashCommand reports whether the prompt's first text block is a slash
// command and, if so, returns its name and argument text.
func slashCommand(blocks []acp.ContentBlock) (name, args string, ok bool) {
	for _, block := range blocks {
		if block.Text == nil {
			continue
		}
		if !strings.HasPrefix(block.Text.Text, "/") {
			return "", "", false
		}
		return command.Parse(block.Text.Text)
	}
	return "", "", false
}

// runSlashCommand executes a slash command. Every outcome, including
// failures, is reported to the client as agent message text; it never
// returns an error.
func (a *Agent) runSlashCommand(ctx context.Context, backend Backend, s session.Session, name, args string) {
	log := a.log.With().Str("sessionID", s.ID).Str("command", name).Logger()
	log.Info().Msg("Running slash command")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Slash command panicked")
			a.sendText(ctx, s.ID, fmt.Sprintf("Command /%s failed unexpectedly.", name))
		}
	}()

	providerID, modelID := splitModel(s.Model)
	catalog := a.catalog(s.Cwd)

	switch name {
	case command.Init:
		a.sendText(ctx, s.ID, "Initializing project and creating AGENTS.md...")
		if err := backend.Init(ctx, s.ID, providerID, modelID); err != nil {
			log.Error().Err(err).Msg("Init failed")
			a.sendText(ctx, s.ID, fmt.Sprintf("Failed to initialize project: %v", err))
			return
		}
		a.sendText(ctx, s.ID, "Project initialized. AGENTS.md has been created.")

	case command.Compact:
		a.sendText(ctx, s.ID, "Compacting conversation...")
		if err := backend.Summarize(ctx, s.ID, providerID, modelID); err != nil {
			log.Error().Err(err).Msg("Compact failed")
			a.sendText(ctx, s.ID, fmt.Sprintf("Failed to compact conversation: %v", err))
			return
		}
		a.sendText(ctx, s.ID, "Conversation compacted.")

	default:
		if _, known := catalog.Get(name); !known {
			a.sendText(ctx, s.ID, unknownCommandText(catalog, name))
			return
		}
		result, err := backend.RunCommand(ctx, s.ID, name, args)
		if err != nil {
			log.Error().Err(err).Msg("Command failed")
			a.sendText(ctx, s.ID, fmt.Sprintf("Failed to run /%s: %v", name, err))
			return
		}
		sent := 0
		for _, part := range result.Parts {
			if text, ok := part.(*types.TextPart); ok && text.Text != "" {
				a.sendText(ctx, s.ID, text.Text)
				sent++
			}
		}
		if sent == 0 {
			a.sendText(ctx, s.ID, fmt.Sprintf("/%s finished with no output.", name))
		}
	}
}

func unknownCommandText(catalog *command.Catalog, name string) string {
	names := catalog.Names()
	for i, n := range names {
		names[i] = "/" + n
	}
	text := fmt.Sprintf("Unknown command /%s. Available commands: %s.", name, strings.Join(names, ", "))
	if suggestion, ok := catalog.Suggest(name); ok {
		text += fmt.Sprintf(" Did you mean /%s?", suggestion)
	}
	return text
}
