// Package gateway is the bridge's connection to the opencode server: the
// opencode SDK client, the /event feed and the connect-or-spawn logic.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

// Client talks to one opencode server.
type Client struct {
	baseURL string
	api     *opencode.Client
}

// New creates a client for the server at baseURL. Requests are not retried
// and carry no timeout of their own; callers bound them through the
// context. opts are applied after the defaults, so option.WithHTTPClient or
// option.WithMaxRetries override them.
func New(baseURL string, opts ...option.RequestOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	defaults := []option.RequestOption{
		option.WithBaseURL(baseURL + "/"),
		option.WithMaxRetries(0),
		option.WithMiddleware(logRequests),
	}
	return &Client{
		baseURL: baseURL,
		api:     opencode.NewClient(append(defaults, opts...)...),
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PromptInput is the model selection and content of one prompt.
type PromptInput struct {
	ProviderID string
	ModelID    string
	Agent      string
	Parts      []types.PartInput
}

// CreateSession creates a new server session scoped to directory.
func (c *Client) CreateSession(ctx context.Context, title, directory string) (*opencode.Session, error) {
	params := opencode.SessionNewParams{}
	if title != "" {
		params.Title = opencode.F(title)
	}
	if directory != "" {
		params.Directory = opencode.F(directory)
	}
	s, err := c.api.Session.New(ctx, params)
	if err != nil {
		return nil, backendErr("create session", err)
	}
	if err := validateSession(s); err != nil {
		return nil, backendErr("create session", err)
	}
	return s, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (*opencode.Session, error) {
	s, err := c.api.Session.Get(ctx, id, opencode.SessionGetParams{})
	if err != nil {
		return nil, backendErr("get session", err)
	}
	if err := validateSession(s); err != nil {
		return nil, backendErr("get session", err)
	}
	return s, nil
}

// ListSessions lists all sessions known to the server.
func (c *Client) ListSessions(ctx context.Context) ([]opencode.Session, error) {
	list, err := c.api.Session.List(ctx, opencode.SessionListParams{})
	if err != nil {
		return nil, backendErr("list sessions", err)
	}
	if list == nil {
		return nil, nil
	}
	for i := range *list {
		if err := validateSession(&(*list)[i]); err != nil {
			return nil, backendErr("list sessions", err)
		}
	}
	return *list, nil
}

// Messages returns the message history of a session, oldest first. Parts
// are decoded into pkg/types, which accepts both tool part shapes.
func (c *Client) Messages(ctx context.Context, id string) ([]types.MessageWithParts, error) {
	var msgs []types.MessageWithParts
	if err := c.api.Get(ctx, sessionPath(id, "message"), opencode.SessionMessagesParams{}, &msgs); err != nil {
		return nil, backendErr("list messages", err)
	}
	return msgs, nil
}

// ListProviders fetches the provider catalog.
func (c *Client) ListProviders(ctx context.Context) ([]opencode.Provider, error) {
	resp, err := c.api.App.Providers(ctx, opencode.AppProvidersParams{})
	if err != nil {
		return nil, backendErr("list providers", err)
	}
	return resp.Providers, nil
}

// Prompt sends a message and blocks until the assistant reply is complete.
// Servers that stream progress send one JSON object per line; the last one
// is the assembled reply.
func (c *Client) Prompt(ctx context.Context, id string, in PromptInput) (*types.MessageWithParts, error) {
	params := opencode.SessionPromptParams{
		Parts: opencode.F(promptParts(in.Parts)),
	}
	if in.Agent != "" {
		params.Agent = opencode.F(in.Agent)
	}
	if in.ProviderID != "" || in.ModelID != "" {
		params.Model = opencode.F(opencode.SessionPromptParamsModel{
			ProviderID: opencode.F(in.ProviderID),
			ModelID:    opencode.F(in.ModelID),
		})
	}

	var body []byte
	if err := c.api.Post(ctx, sessionPath(id, "message"), params, &body); err != nil {
		return nil, backendErr("prompt", err)
	}
	result, err := decodeLast(body)
	if err != nil {
		return nil, backendErr("prompt", err)
	}
	if result.Info.Error != nil {
		return nil, backendErr("prompt", result.Info.Error)
	}
	return result, nil
}

// Abort stops the session's in-flight processing.
func (c *Client) Abort(ctx context.Context, id string) error {
	if _, err := c.api.Session.Abort(ctx, id, opencode.SessionAbortParams{}); err != nil {
		return backendErr("abort", err)
	}
	return nil
}

// Summarize compacts the session's conversation.
func (c *Client) Summarize(ctx context.Context, id, providerID, modelID string) error {
	_, err := c.api.Session.Summarize(ctx, id, opencode.SessionSummarizeParams{
		ProviderID: opencode.F(providerID),
		ModelID:    opencode.F(modelID),
	})
	if err != nil {
		return backendErr("summarize", err)
	}
	return nil
}

// Init asks the server to analyze the project and write its AGENTS.md.
func (c *Client) Init(ctx context.Context, id, providerID, modelID string) error {
	_, err := c.api.Session.Init(ctx, id, opencode.SessionInitParams{
		MessageID:  opencode.F("msg_" + ulid.Make().String()),
		ProviderID: opencode.F(providerID),
		ModelID:    opencode.F(modelID),
	})
	if err != nil {
		return backendErr("init", err)
	}
	return nil
}

// RunCommand runs a named server command with free-text arguments.
func (c *Client) RunCommand(ctx context.Context, id, name, args string) (*types.MessageWithParts, error) {
	params := opencode.SessionCommandParams{
		Command:   opencode.F(name),
		Arguments: opencode.F(args),
	}
	var body []byte
	if err := c.api.Post(ctx, sessionPath(id, "command"), params, &body); err != nil {
		return nil, backendErr("command "+name, err)
	}
	result, err := decodeLast(body)
	if err != nil {
		return nil, backendErr("command "+name, err)
	}
	return result, nil
}

// AddMCPServer registers an MCP server with the backend.
func (c *Client) AddMCPServer(ctx context.Context, req types.AddMCPRequest) error {
	var ack []byte
	if err := c.api.Post(ctx, "mcp", req, &ack); err != nil {
		return backendErr("add mcp server "+req.Name, err)
	}
	return nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListProviders(ctx)
	return err
}

func sessionPath(id, action string) string {
	return "session/" + url.PathEscape(id) + "/" + action
}

func promptParts(in []types.PartInput) []opencode.SessionPromptParamsPartUnion {
	parts := make([]opencode.SessionPromptParamsPartUnion, 0, len(in))
	for _, p := range in {
		switch p.Type {
		case types.PartTypeFile:
			fp := opencode.FilePartInputParam{
				Type: opencode.F(opencode.FilePartInputTypeFile),
				Mime: opencode.F(p.Mime),
				URL:  opencode.F(p.URL),
			}
			if p.Filename != "" {
				fp.Filename = opencode.F(p.Filename)
			}
			parts = append(parts, fp)
		default:
			parts = append(parts, opencode.TextPartInputParam{
				Type: opencode.F(opencode.TextPartInputTypeText),
				Text: opencode.F(p.Text),
			})
		}
	}
	return parts
}

// decodeLast decodes a sequence of JSON messages and returns the last one.
func decodeLast(data []byte) (*types.MessageWithParts, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var last *types.MessageWithParts
	for {
		var m types.MessageWithParts
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		last = &m
	}
	if last == nil {
		return nil, fmt.Errorf("decode message: %w: empty response", types.ErrMissingField)
	}
	return last, nil
}

func validateSession(s *opencode.Session) error {
	if s == nil || s.ID == "" {
		return errMissingSessionID
	}
	return nil
}

// logRequests traces every server call at debug level.
func logRequests(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	start := time.Now()
	resp, err := next(req)
	ev := logging.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("elapsed", time.Since(start))
	if resp != nil {
		ev = ev.Int("status", resp.StatusCode)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("opencode request")
	return resp, err
}
