package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/logging"
)

// Topic is the gochannel topic notification batches travel on.
const Topic = "acp.session.update"

// DefaultSendTimeout bounds a single forwarded notification.
const DefaultSendTimeout = 5 * time.Second

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier closed")

// Sender delivers a notification to the client. *acp.AgentSideConnection
// satisfies it.
type Sender interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
}

// Notifier forwards notification batches to a Sender asynchronously.
type Notifier struct {
	sender      Sender
	pubsub      *gochannel.GoChannel
	sendTimeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// NewNotifier creates a notifier that forwards to sender. Start must be
// called before Notify.
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{
		sender: sender,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		sendTimeout: DefaultSendTimeout,
		done:        make(chan struct{}),
	}
}

// Start subscribes the forwarding goroutine. It returns once the
// subscription is live, so batches published afterwards are not lost.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil
	}

	messages, err := n.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	n.started = true

	go n.forward(messages)
	return nil
}

func (n *Notifier) forward(messages <-chan *message.Message) {
	defer close(n.done)

	for msg := range messages {
		var batch []acp.SessionNotification
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			logging.Warn().Err(err).Str("uuid", msg.UUID).Msg("Dropping undecodable notification batch")
			msg.Ack()
			continue
		}

		for _, notification := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
			if err := n.sender.SessionUpdate(ctx, notification); err != nil {
				logging.Warn().
					Err(err).
					Str("sessionID", string(notification.SessionId)).
					Msg("Failed to deliver session update")
			}
			cancel()
		}
		msg.Ack()
	}
}

// Notify queues updates for sessionID as one batch and returns without
// waiting for delivery.
func (n *Notifier) Notify(sessionID acp.SessionId, updates ...acp.SessionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := make([]acp.SessionNotification, len(updates))
	for i, update := range updates {
		batch[i] = acp.SessionNotification{SessionId: sessionID, Update: update}
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("sessionID", string(sessionID))
	return n.pubsub.Publish(Topic, msg)
}

// Close stops accepting batches and waits for the forwarding goroutine to
// exit. Batches still in flight may be dropped.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	err := n.pubsub.Close()
	if started {
		<-n.done
	}
	return err
}
