package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sst/opencode-sdk-go/option"
	"github.com/sst/opencode-sdk-go/packages/ssestream"
)

// EventStream is a live subscription to the server's /event feed.
//
// Frames are read with the SDK's SSE decoder but decoded by DecodeEvent
// rather than the SDK's typed event union, so the flat tool and plan
// vocabulary survives.
type EventStream struct {
	dec    ssestream.Decoder
	cancel context.CancelFunc
	once   sync.Once
}

// SubscribeEvents opens the /event feed. The stream lives until ctx ends,
// Close is called or the server closes the connection.
func (c *Client) SubscribeEvents(ctx context.Context) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	var resp *http.Response
	err := c.api.Get(ctx, "event", nil, &resp,
		option.WithHeader("Accept", "text/event-stream"),
		option.WithHeader("Cache-Control", "no-cache"),
	)
	if err != nil {
		cancel()
		return nil, backendErr("subscribe", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, backendErr("subscribe", fmt.Errorf("unexpected content type: %s", ct))
	}

	return &EventStream{
		dec:    ssestream.NewDecoder(resp),
		cancel: cancel,
	}, nil
}

// Next blocks until the next event arrives. It returns io.EOF once the
// stream has ended, including after Close.
func (s *EventStream) Next() (StreamEvent, error) {
	for s.dec.Next() {
		data := bytes.TrimSpace(s.dec.Event().Data)
		if len(data) == 0 {
			// heartbeat
			continue
		}
		return DecodeEvent(data), nil
	}
	return nil, io.EOF
}

// Close ends the subscription. It is safe to call more than once.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.dec.Close()
	})
	return err
}
