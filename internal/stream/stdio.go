// Package stream splits the process's stdin/stdout into the two byte streams
// the ACP connection consumes, and answers extension methods the ACP SDK has
// no dispatch for.
//
// Inbound frames are newline-delimited JSON-RPC messages. Requests whose
// method has a registered Handler are answered here; every other line is
// passed through unchanged to Reader. Writes from the SDK and from handlers
// share one line-serialized writer so frames never interleave.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/cjenaro/opencode-acp/internal/logging"
)

// JSON-RPC error codes used for extension responses.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603
)

// ErrInvalidParams marks handler errors caused by malformed parameters.
var ErrInvalidParams = errors.New("invalid params")

// Handler answers one extension request. The returned value is encoded as
// the JSON-RPC result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Stdio multiplexes a duplex byte channel between the ACP SDK and local
// extension handlers.
type Stdio struct {
	in  io.Reader
	out *lineWriter

	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

// New wraps in and out. Call Run to start pumping in.
func New(in io.Reader, out io.Writer) *Stdio {
	pr, pw := io.Pipe()
	return &Stdio{
		in:       in,
		out:      &lineWriter{w: out},
		pr:       pr,
		pw:       pw,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for method. Registering the same method twice
// replaces the earlier handler.
func (s *Stdio) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *Stdio) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Reader returns the inbound stream with handled requests removed.
func (s *Stdio) Reader() io.Reader {
	return s.pr
}

// Writer returns the outbound stream. Each Write reaches the underlying
// writer atomically.
func (s *Stdio) Writer() io.Writer {
	return s.out
}

// Run pumps inbound lines until in is exhausted or ctx is cancelled, then
// closes Reader and waits for in-flight handlers.
func (s *Stdio) Run(ctx context.Context) error {
	defer s.wg.Wait()

	reader := bufio.NewReader(s.in)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if werr := s.route(ctx, line); werr != nil {
				s.pw.CloseWithError(werr)
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.pw.Close()
				return nil
			}
			s.pw.CloseWithError(err)
			return err
		}
		if ctx.Err() != nil {
			s.pw.Close()
			return ctx.Err()
		}
	}
}

func (s *Stdio) route(ctx context.Context, line []byte) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && gjson.ValidBytes(trimmed) {
		method := gjson.GetBytes(trimmed, "method").String()
		id := gjson.GetBytes(trimmed, "id")
		if method != "" && id.Exists() {
			if h, ok := s.handler(method); ok {
				raw := []byte(id.Raw)
				params := json.RawMessage(gjson.GetBytes(trimmed, "params").Raw)
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.serve(ctx, method, raw, params, h)
				}()
				return nil
			}
		}
	}

	if len(line) > 0 && line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err := s.pw.Write(line)
	return err
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Stdio) serve(ctx context.Context, method string, id json.RawMessage, params json.RawMessage, h Handler) {
	log := logging.With().Str("method", method).Logger()

	resp := rpcResponse{JSONRPC: "2.0", ID: id}
	result, err := h(ctx, params)
	switch {
	case errors.Is(err, ErrInvalidParams):
		resp.Error = &rpcError{Code: CodeInvalidParams, Message: err.Error()}
	case err != nil:
		resp.Error = &rpcError{Code: CodeInternalError, Message: err.Error()}
	case result == nil:
		resp.Result = struct{}{}
	default:
		resp.Result = result
	}
	if err != nil {
		log.Warn().Err(err).Msg("Extension request failed")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode extension response")
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		log.Error().Err(err).Msg("Failed to write extension response")
	}
}

// lineWriter serializes writes so that frames from the SDK and from
// extension handlers never interleave. Both sides write whole frames.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
