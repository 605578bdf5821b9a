// Package testutil provides an in-process fake of the opencode server.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sst/opencode-sdk-go"

	"github.com/cjenaro/opencode-acp/internal/gateway"
)

// Call is one request received by the fake server.
type Call struct {
	Method  string
	Route   string
	Session string
	Query   url.Values
	Body    json.RawMessage
	At      time.Time
}

// FakeServer mimics the subset of the opencode REST and SSE API the bridge uses.
type FakeServer struct {
	URL string

	srv *httptest.Server

	mu           sync.Mutex
	sessions     []*opencode.Session
	messages     map[string][]json.RawMessage
	providers    []opencode.Provider
	failures     map[string]int
	promptEvents []string
	replyParts   []map[string]any
	commandParts []map[string]any
	calls        []Call
	subs         map[int]chan string
	nextSub      int
	seq          int
}

// NewFakeServer starts a fake server. Close it when done.
func NewFakeServer() *FakeServer {
	f := &FakeServer{
		messages: make(map[string][]json.RawMessage),
		failures: make(map[string]int),
		subs:     make(map[int]chan string),
		replyParts: []map[string]any{
			{"id": "prt_reply", "type": "text", "text": "Done."},
		},
	}

	r := chi.NewRouter()
	r.Route("/session", func(r chi.Router) {
		r.Get("/", f.listSessions)
		r.Post("/", f.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", f.getSession)
			r.Get("/message", f.listMessages)
			r.Post("/message", f.prompt)
			r.Post("/abort", f.ok)
			r.Post("/summarize", f.ok)
			r.Post("/init", f.ok)
			r.Post("/command", f.command)
		})
	})
	r.Get("/config/providers", f.listProviders)
	r.Post("/mcp", f.ok)
	r.Get("/event", f.events)

	f.srv = httptest.NewServer(r)
	f.URL = f.srv.URL
	return f
}

// Close shuts the server down.
func (f *FakeServer) Close() {
	f.mu.Lock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	f.mu.Unlock()
	f.srv.CloseClientConnections()
	f.srv.Close()
}

// SetProviders replaces the provider catalog.
func (f *FakeServer) SetProviders(providers ...opencode.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = providers
}

// Fail makes a route answer with status, e.g. Fail("GET /config/providers", 500).
// Routes use chi patterns: "POST /session/{sessionID}/init".
func (f *FakeServer) Fail(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route] = status
}

// AddSession registers an existing session with its message history.
// Each message is a JSON {info, parts} object.
func (f *FakeServer) AddSession(s opencode.Session, messages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, &s)
	for _, m := range messages {
		f.messages[s.ID] = append(f.messages[s.ID], json.RawMessage(m))
	}
}

// SetPromptEvents sets raw event payloads broadcast on /event while a
// prompt is processed. A session.idle event follows them automatically.
func (f *FakeServer) SetPromptEvents(events ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptEvents = events
}

// SetReplyParts sets the parts of the assistant reply to prompts.
func (f *FakeServer) SetReplyParts(parts ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyParts = parts
}

// SetCommandParts sets the parts of the reply to command calls.
func (f *FakeServer) SetCommandParts(parts ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandParts = parts
}

// Emit broadcasts a raw event payload to all subscribers.
func (f *FakeServer) Emit(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(payload)
}

func (f *FakeServer) emitLocked(payload string) {
	for _, ch := range f.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Calls returns every request received so far.
func (f *FakeServer) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the requests matching a route such as "POST /session/{sessionID}/abort".
func (f *FakeServer) CallsTo(route string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method+" "+c.Route == route {
			out = append(out, c)
		}
	}
	return out
}

// Subscribers returns the number of open /event connections.
func (f *FakeServer) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// begin records the call and reports whether the handler should continue.
func (f *FakeServer) begin(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, _ := io.ReadAll(r.Body)
	route := strings.TrimSuffix(chi.RouteContext(r.Context()).RoutePattern(), "/")
	if route == "" {
		route = "/"
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{
		Method:  r.Method,
		Route:   route,
		Session: chi.URLParam(r, "sessionID"),
		Query:   r.URL.Query(),
		Body:    body,
		At:      time.Now(),
	})
	status, failing := f.failures[r.Method+" "+route]
	f.mu.Unlock()

	if failing {
		writeError(w, status, gateway.CodeInternalError, "injected failure")
		return nil, false
	}
	return body, true
}

func (f *FakeServer) findLocked(id string) *opencode.Session {
	for _, s := range f.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *FakeServer) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%04d", prefix, f.seq)
}

func (f *FakeServer) listSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	f.mu.Lock()
	out := make([]opencode.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeServer) createSession(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "Invalid JSON body")
			return
		}
	}

	now := float64(time.Now().UnixMilli())
	f.mu.Lock()
	s := &opencode.Session{
		ID:        f.nextID("ses"),
		Directory: r.URL.Query().Get("directory"),
		Title:     req.Title,
		Time:      opencode.SessionTime{Created: now, Updated: now},
	}
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, s)
}

func (f *FakeServer) getSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	f.mu.Lock()
	s := f.findLocked(chi.URLParam(r, "sessionID"))
	f.mu.Unlock()
	if s == nil {
		writeError(w, http.StatusNotFound, gateway.CodeNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (f *FakeServer) listMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	f.mu.Lock()
	msgs := append([]json.RawMessage{}, f.messages[chi.URLParam(r, "sessionID")]...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, msgs)
}

func (f *FakeServer) listProviders(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	f.mu.Lock()
	providers := append([]opencode.Provider{}, f.providers...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers, "default": map[string]string{}})
}

func (f *FakeServer) ok(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, true)
}

// prompt broadcasts the configured events, then answers with the assistant
// reply.
func (f *FakeServer) prompt(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "Invalid JSON body")
		return
	}

	f.mu.Lock()
	if f.findLocked(sessionID) == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, gateway.CodeNotFound, "Session not found")
		return
	}
	for _, ev := range f.promptEvents {
		f.emitLocked(ev)
	}
	f.emitLocked(fmt.Sprintf(`{"type":"session.idle","properties":{"sessionID":%q}}`, sessionID))
	replyID := f.nextID("msg")
	parts := f.replyParts
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"info":  map[string]any{"id": replyID, "sessionID": sessionID, "role": "assistant", "time": map[string]any{"created": time.Now().UnixMilli()}},
		"parts": parts,
	})
}

func (f *FakeServer) command(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	f.mu.Lock()
	id := f.nextID("msg")
	parts := f.commandParts
	f.mu.Unlock()
	if parts == nil {
		parts = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"info":  map[string]any{"id": id, "sessionID": sessionID, "role": "assistant", "time": map[string]any{"created": time.Now().UnixMilli()}},
		"parts": parts,
	})
}

// events serves the SSE feed in the opencode wire format.
func (f *FakeServer) events(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.begin(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, gateway.CodeInternalError, "Streaming not supported")
		return
	}

	ch := make(chan string, 64)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		if _, open := f.subs[id]; open {
			delete(f.subs, id)
		}
		f.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, `{"type":"server.connected","properties":{}}`)
	flusher.Flush()

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			writeEvent(w, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeEvent frames one SSE event. Every payload line gets its own data
// field so multi-line JSON survives the framing.
func writeEvent(w io.Writer, payload string) {
	var b strings.Builder
	b.WriteString("event: message\n")
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	io.WriteString(w, b.String())
}
