package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/convert"
	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

// DefaultIdleGrace is how long a finished prompt waits for the event feed
// to report the session idle before the subscription is closed.
const DefaultIdleGrace = 200 * time.Millisecond

// turn tracks one in-flight prompt so that a cancel arriving during it can
// be reflected in the stop reason.
type turn struct {
	cancelled atomic.Bool
}

func (a *Agent) beginTurn(sessionID string) *turn {
	t := &turn{}
	a.turnsMu.Lock()
	a.turns[sessionID] = t
	a.turnsMu.Unlock()
	return t
}

func (a *Agent) endTurn(sessionID string, t *turn) {
	a.turnsMu.Lock()
	if a.turns[sessionID] == t {
		delete(a.turns, sessionID)
	}
	a.turnsMu.Unlock()
}

func (a *Agent) cancelTurn(sessionID string) {
	a.turnsMu.Lock()
	if t, ok := a.turns[sessionID]; ok {
		t.cancelled.Store(true)
	}
	a.turnsMu.Unlock()
}

// Prompt implements acp.Agent.
func (a *Agent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	sessionID := string(req.SessionId)
	s, err := a.sessions.Get(sessionID)
	if err != nil {
		return acp.PromptResponse{}, err
	}
	backend, err := a.requireBackend()
	if err != nil {
		return acp.PromptResponse{}, err
	}

	if name, args, ok := slashCommand(req.Prompt); ok {
		a.runSlashCommand(ctx, backend, s, name, args)
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}

	t := a.beginTurn(sessionID)
	defer a.endTurn(sessionID, t)

	providerID, modelID := splitModel(s.Model)
	in := gateway.PromptInput{
		ProviderID: providerID,
		ModelID:    modelID,
		Agent:      agentFor(s.Mode),
		Parts:      convert.ToBackendParts(req.Prompt),
	}
	log := a.log.With().Str("sessionID", sessionID).Str("model", providerID+"/"+modelID).Logger()
	log.Debug().Int("parts", len(in.Parts)).Msg("Prompting")

	result, err := a.promptAndStream(ctx, backend, sessionID, in)
	if err != nil {
		if t.cancelled.Load() {
			log.Info().Err(err).Msg("Prompt ended after cancellation")
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		}
		return acp.PromptResponse{}, fmt.Errorf("prompt %s: %w", sessionID, err)
	}

	for _, update := range resultUpdates(result.Parts) {
		a.send(ctx, sessionID, update)
	}

	if t.cancelled.Load() {
		return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

// promptAndStream issues the prompt call. When the event feed can be
// opened, events for the session are translated and sent while the call is
// in flight; otherwise the call runs alone.
func (a *Agent) promptAndStream(ctx context.Context, backend Backend, sessionID string, in gateway.PromptInput) (*types.MessageWithParts, error) {
	stream, err := backend.SubscribeEvents(ctx)
	if err != nil {
		a.log.Warn().Err(err).Str("sessionID", sessionID).Msg("Event feed unavailable, prompting without streaming")
		return backend.Prompt(ctx, sessionID, in)
	}

	idle := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.drain(ctx, stream, sessionID, idle)
	}()

	result, err := backend.Prompt(ctx, sessionID, in)
	if err == nil {
		select {
		case <-idle:
		case <-time.After(a.opts.IdleGrace):
		case <-ctx.Done():
		}
	}
	_ = stream.Close()
	wg.Wait()

	return result, err
}

// drain forwards the session's events in arrival order until the stream
// ends or the session goes idle. Events for other sessions are skipped.
func (a *Agent) drain(ctx context.Context, stream *gateway.EventStream, sessionID string, idle chan<- struct{}) {
	defer close(idle)

	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.log.Debug().Err(err).Str("sessionID", sessionID).Msg("Event feed ended")
			}
			return
		}
		if owner := ev.Session(); owner != "" && owner != sessionID {
			continue
		}
		if _, done := ev.(*gateway.SessionIdle); done {
			return
		}
		if update, ok := Translate(ev); ok {
			a.send(ctx, sessionID, update)
		}
	}
}
