package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.TrimRight(b.buf.String(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestStdio_PassesThroughUnhandledLines(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"ses_1"}}`,
		`not json at all`,
	}, "\n")

	s := New(strings.NewReader(input), io.Discard)

	var forwarded []byte
	done := make(chan struct{})
	go func() {
		forwarded, _ = io.ReadAll(s.Reader())
		close(done)
	}()

	require.NoError(t, s.Run(context.Background()))
	<-done

	lines := strings.Split(strings.TrimRight(string(forwarded), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"initialize"`)
	assert.Contains(t, lines[1], `"session/cancel"`)
	assert.Equal(t, "not json at all", lines[2])
}

func TestStdio_AnswersHandledRequests(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":"req-7","method":"_opencode/listSessions","params":{"limit":2}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/tmp"}}`,
	}, "\n") + "\n"

	out := &safeBuffer{}
	s := New(strings.NewReader(input), out)

	var gotParams json.RawMessage
	s.Handle("_opencode/listSessions", func(_ context.Context, params json.RawMessage) (any, error) {
		gotParams = params
		return map[string]any{"sessions": []string{"ses_1"}}, nil
	})

	var forwarded []byte
	done := make(chan struct{})
	go func() {
		forwarded, _ = io.ReadAll(s.Reader())
		close(done)
	}()

	require.NoError(t, s.Run(context.Background()))
	<-done

	assert.JSONEq(t, `{"limit":2}`, string(gotParams))
	assert.NotContains(t, string(forwarded), "listSessions")
	assert.Contains(t, string(forwarded), "session/new")

	lines := out.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "req-7", gjson.Get(lines[0], "id").String())
	assert.Equal(t, "2.0", gjson.Get(lines[0], "jsonrpc").String())
	assert.Equal(t, "ses_1", gjson.Get(lines[0], "result.sessions.0").String())
	assert.False(t, gjson.Get(lines[0], "error").Exists())
}

func TestStdio_HandlerErrors(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"boom"}
{"jsonrpc":"2.0","id":2,"method":"bad"}
{"jsonrpc":"2.0","id":3,"method":"empty"}
`
	out := &safeBuffer{}
	s := New(strings.NewReader(input), out)
	s.Handle("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("backend unavailable")
	})
	s.Handle("bad", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidParams)
	})
	s.Handle("empty", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	go io.Copy(io.Discard, s.Reader())
	require.NoError(t, s.Run(context.Background()))

	byID := map[int64]string{}
	for _, line := range out.Lines() {
		byID[gjson.Get(line, "id").Int()] = line
	}
	require.Len(t, byID, 3)

	assert.Equal(t, int64(CodeInternalError), gjson.Get(byID[1], "error.code").Int())
	assert.Equal(t, "backend unavailable", gjson.Get(byID[1], "error.message").String())
	assert.Equal(t, int64(CodeInvalidParams), gjson.Get(byID[2], "error.code").Int())
	assert.True(t, gjson.Get(byID[3], "result").IsObject())
}

func TestStdio_NotificationsAreNotIntercepted(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"_opencode/listSessions"}` + "\n"
	s := New(strings.NewReader(input), io.Discard)
	called := false
	s.Handle("_opencode/listSessions", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	var forwarded []byte
	done := make(chan struct{})
	go func() {
		forwarded, _ = io.ReadAll(s.Reader())
		close(done)
	}()
	require.NoError(t, s.Run(context.Background()))
	<-done

	assert.False(t, called)
	assert.Contains(t, string(forwarded), "listSessions")
}

func TestStdio_WriterSerializesFrames(t *testing.T) {
	out := &safeBuffer{}
	s := New(strings.NewReader(""), out)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"n":%d,"pad":%q}}`+"\n", i, strings.Repeat("x", 4096))
			_, err := s.Writer().Write([]byte(frame))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	lines := out.Lines()
	require.Len(t, lines, 20)
	for _, line := range lines {
		assert.True(t, gjson.Valid(line))
	}
}

func TestStdio_ClosesReaderOnEOF(t *testing.T) {
	pr, pw := io.Pipe()
	s := New(pr, io.Discard)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	go func() {
		fmt.Fprintln(pw, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		pw.Close()
	}()

	reader := bufio.NewReader(s.Reader())
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "initialize")

	_, err = reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after EOF")
	}
}
