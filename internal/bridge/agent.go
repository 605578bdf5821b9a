// Package bridge implements the ACP agent that fronts an opencode server.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/cjenaro/opencode-acp/internal/command"
	"github.com/cjenaro/opencode-acp/internal/config"
	"github.com/cjenaro/opencode-acp/internal/event"
	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/internal/session"
	"github.com/cjenaro/opencode-acp/internal/stream"
)

// updateSender delivers session updates to the client.
// *acp.AgentSideConnection satisfies it.
type updateSender interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
}

// Options configures an Agent.
type Options struct {
	// DefaultModel is preferred for new sessions when the catalog offers it.
	DefaultModel string
	// Commands are the project's configured custom commands.
	Commands map[string]config.CommandConfig
	// Fs holds command markdown files. Defaults to the OS filesystem.
	Fs afero.Fs
	// WatchCommands reloads a catalog when its command directory changes.
	WatchCommands bool
	// IdleGrace bounds the wait for session.idle after a prompt returns.
	IdleGrace time.Duration
	// Version is reported to clients in initialize metadata.
	Version string
}

// Agent translates ACP requests into opencode server calls.
type Agent struct {
	opts     Options
	connect  Connector
	sessions *session.Registry
	notifier *event.Notifier
	sender   *lateSender
	log      zerolog.Logger

	connMu  sync.Mutex
	backend Backend

	catalogMu sync.Mutex
	catalogs  map[string]*command.Catalog

	turnsMu sync.Mutex
	turns   map[string]*turn

	// modeMu orders mode changes against queued mode announcements.
	modeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ acp.Agent             = (*Agent)(nil)
	_ acp.AgentLoader       = (*Agent)(nil)
	_ acp.AgentExperimental = (*Agent)(nil)
)

// New creates an agent. The backend is not contacted until initialize.
// sender may be nil and bound later with SetSender.
func New(connect Connector, sender updateSender, opts Options) (*Agent, error) {
	if connect == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidArgument)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		opts:     opts,
		connect:  connect,
		sessions: session.NewRegistry(),
		sender:   &lateSender{s: sender},
		log:      logging.With().Str("component", "bridge").Logger(),
		catalogs: make(map[string]*command.Catalog),
		turns:    make(map[string]*turn),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.notifier = event.NewNotifier(queuedSender{a})
	if err := a.notifier.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

// SetSender binds the client connection. The connection is built from the
// agent, so it usually arrives after New.
func (a *Agent) SetSender(s updateSender) {
	a.sender.set(s)
}

// Close stops command watchers and the notifier and releases the backend
// when it is closable.
func (a *Agent) Close() error {
	a.cancel()
	err := a.notifier.Close()

	a.connMu.Lock()
	backend := a.backend
	a.connMu.Unlock()
	if c, ok := backend.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Sessions exposes the registry for inspection.
func (a *Agent) Sessions() *session.Registry {
	return a.sessions
}

func (a *Agent) requireBackend() (Backend, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.backend == nil {
		return nil, ErrNotInitialized
	}
	return a.backend, nil
}

// Initialize implements acp.Agent. The backend connection is established on
// the first call; later calls reuse it.
func (a *Agent) Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.connMu.Lock()
	if a.backend == nil {
		backend, err := a.connect(ctx)
		if err != nil {
			a.connMu.Unlock()
			return acp.InitializeResponse{}, fmt.Errorf("connect to opencode: %w", err)
		}
		a.backend = backend
	}
	a.connMu.Unlock()

	a.log.Info().Int("protocolVersion", int(req.ProtocolVersion)).Msg("Initialized")

	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				EmbeddedContext: true,
			},
			McpCapabilities: acp.McpCapabilities{
				Http: true,
				Sse:  true,
			},
		},
		Meta: map[string]any{
			"opencode": map[string]any{
				"listSessions": true,
				"version":      a.opts.Version,
			},
		},
	}, nil
}

// Authenticate implements acp.Agent. No authentication methods are offered.
func (a *Agent) Authenticate(ctx context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, fmt.Errorf("%w: authentication is not required", ErrUnsupported)
}

// NewSession implements acp.Agent.
func (a *Agent) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	if strings.TrimSpace(req.Cwd) == "" {
		return acp.NewSessionResponse{}, fmt.Errorf("%w: cwd is required", ErrInvalidArgument)
	}
	backend, err := a.requireBackend()
	if err != nil {
		return acp.NewSessionResponse{}, err
	}

	title := "ACP Session " + time.Now().UTC().Format(time.RFC3339)
	created, err := backend.CreateSession(ctx, title, req.Cwd)
	if err != nil {
		return acp.NewSessionResponse{}, fmt.Errorf("create session: %w", err)
	}

	models := availableModels(ctx, backend)
	current := pickModel(models, a.opts.DefaultModel)

	s, err := a.sessions.Create(created.ID, req.Cwd, current, session.ModeDefault)
	if err != nil {
		return acp.NewSessionResponse{}, err
	}
	logging.Session(s.ID).Info().Str("cwd", s.Cwd).Str("model", s.Model).Msg("Session created")

	forwardMCPServers(ctx, backend, s.ID, req.McpServers)
	a.advertise(s)

	return acp.NewSessionResponse{
		SessionId: acp.SessionId(s.ID),
		Models:    modelState(models, s.Model),
		Modes:     modeState(s.Mode),
	}, nil
}

// LoadSession implements acp.AgentLoader. The session's history is replayed
// to the client before the response is returned.
func (a *Agent) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	sessionID := string(req.SessionId)
	if sessionID == "" {
		return acp.LoadSessionResponse{}, fmt.Errorf("%w: sessionId is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Cwd) == "" {
		return acp.LoadSessionResponse{}, fmt.Errorf("%w: cwd is required", ErrInvalidArgument)
	}
	backend, err := a.requireBackend()
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}

	remote, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	models := availableModels(ctx, backend)
	s, err := a.sessions.Create(remote.ID, req.Cwd, pickModel(models, a.opts.DefaultModel), session.ModeDefault)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}

	messages, err := backend.Messages(ctx, remote.ID)
	if err != nil {
		a.log.Warn().Err(err).Str("sessionID", remote.ID).Msg("Failed to fetch history, skipping replay")
	}
	for _, msg := range messages {
		for _, update := range historyUpdates(msg) {
			a.send(ctx, s.ID, update)
		}
	}
	logging.Session(s.ID).Info().Int("messages", len(messages)).Msg("Session loaded")

	forwardMCPServers(ctx, backend, s.ID, req.McpServers)
	a.advertise(s)

	return acp.LoadSessionResponse{
		Models: modelState(models, s.Model),
		Modes:  modeState(s.Mode),
	}, nil
}

// advertise queues the command list and current mode for a session. The
// mode is re-read when the batch is delivered.
func (a *Agent) advertise(s session.Session) {
	updates := []acp.SessionUpdate{
		commandsUpdate(a.catalog(s.Cwd)),
		modeUpdate(string(s.Mode)),
	}
	if err := a.notifier.Notify(acp.SessionId(s.ID), updates...); err != nil {
		a.log.Warn().Err(err).Str("sessionID", s.ID).Msg("Failed to queue session advertisement")
	}
}

// Cancel implements acp.Agent. Cancelling twice is harmless.
func (a *Agent) Cancel(ctx context.Context, req acp.CancelNotification) error {
	sessionID := string(req.SessionId)
	if err := a.sessions.MarkCancelled(sessionID); err != nil {
		return err
	}
	a.cancelTurn(sessionID)

	log := logging.Session(sessionID)
	log.Info().Msg("Cancel requested")

	backend, err := a.requireBackend()
	if err != nil {
		return nil
	}
	if err := backend.Abort(ctx, sessionID); err != nil {
		log.Warn().Err(err).Msg("Abort failed")
	}
	return nil
}

// SetSessionMode implements acp.Agent.
func (a *Agent) SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	sessionID := string(req.SessionId)

	a.modeMu.Lock()
	defer a.modeMu.Unlock()
	if err := a.sessions.SetMode(sessionID, string(req.ModeId)); err != nil {
		return acp.SetSessionModeResponse{}, err
	}
	a.send(ctx, sessionID, modeUpdate(string(req.ModeId)))
	return acp.SetSessionModeResponse{}, nil
}

// SetSessionModel implements acp.AgentExperimental. The id is stored as
// given and resolved when the next prompt is sent.
func (a *Agent) SetSessionModel(ctx context.Context, req acp.SetSessionModelRequest) (acp.SetSessionModelResponse, error) {
	if err := a.sessions.SetModel(string(req.SessionId), string(req.ModelId)); err != nil {
		return acp.SetSessionModelResponse{}, err
	}
	logging.Session(string(req.SessionId)).Info().Str("model", string(req.ModelId)).Msg("Model changed")
	return acp.SetSessionModelResponse{}, nil
}

// SessionSummary is one entry of the listSessions extension result.
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cwd       string `json:"cwd"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ListSessionsParams are the optional listSessions parameters.
type ListSessionsParams struct {
	Cwd string `json:"cwd,omitempty"`
}

// ListSessionsResult is the listSessions response.
type ListSessionsResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

// Summaries lists the backend's sessions, newest first, optionally limited
// to one working directory.
func (a *Agent) Summaries(ctx context.Context, cwd string) ([]SessionSummary, error) {
	backend, err := a.requireBackend()
	if err != nil {
		return nil, err
	}
	list, err := backend.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return gateway.UpdatedAt(list[i]).After(gateway.UpdatedAt(list[j]))
	})

	out := make([]SessionSummary, 0, len(list))
	for _, s := range list {
		if cwd != "" && s.Directory != cwd {
			continue
		}
		title := s.Title
		if title == "" {
			title = "Untitled Session"
		}
		out = append(out, SessionSummary{
			ID:        s.ID,
			Title:     title,
			Cwd:       s.Directory,
			CreatedAt: gateway.CreatedAt(s).UTC().Format(time.RFC3339),
			UpdatedAt: gateway.UpdatedAt(s).UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// ListSessions serves the listSessions extension method.
func (a *Agent) ListSessions(ctx context.Context, params json.RawMessage) (any, error) {
	var p ListSessionsParams
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %w: %v", ErrInvalidArgument, stream.ErrInvalidParams, err)
		}
	}
	summaries, err := a.Summaries(ctx, p.Cwd)
	if err != nil {
		return nil, err
	}
	return ListSessionsResult{Sessions: summaries}, nil
}

// send delivers one update synchronously. Delivery failures are logged.
func (a *Agent) send(ctx context.Context, sessionID string, update acp.SessionUpdate) {
	err := a.sender.SessionUpdate(ctx, acp.SessionNotification{
		SessionId: acp.SessionId(sessionID),
		Update:    update,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to send session update")
	}
}

func (a *Agent) sendText(ctx context.Context, sessionID, text string) {
	a.send(ctx, sessionID, acp.UpdateAgentMessageText(text))
}

// queuedSender delivers notifier batches. A queued mode announcement carries
// the session's mode at delivery time, not the one it was queued with.
type queuedSender struct {
	a *Agent
}

func (q queuedSender) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if n.Update.CurrentModeUpdate == nil {
		return q.a.sender.SessionUpdate(ctx, n)
	}
	q.a.modeMu.Lock()
	defer q.a.modeMu.Unlock()
	if s, err := q.a.sessions.Get(string(n.SessionId)); err == nil {
		n.Update = modeUpdate(string(s.Mode))
	}
	return q.a.sender.SessionUpdate(ctx, n)
}

// lateSender lets the notifier be built before the client connection.
type lateSender struct {
	mu sync.RWMutex
	s  updateSender
}

func (l *lateSender) set(s updateSender) {
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

func (l *lateSender) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	l.mu.RLock()
	s := l.s
	l.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("no client connection for session %s", n.SessionId)
	}
	return s.SessionUpdate(ctx, n)
}
