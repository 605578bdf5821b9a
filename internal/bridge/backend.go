package bridge

import (
	"context"

	"github.com/sst/opencode-sdk-go"

	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

// Backend is the set of opencode server calls the agent makes.
// *gateway.Client and *gateway.Handle satisfy it.
type Backend interface {
	CreateSession(ctx context.Context, title, directory string) (*opencode.Session, error)
	GetSession(ctx context.Context, id string) (*opencode.Session, error)
	ListSessions(ctx context.Context) ([]opencode.Session, error)
	Messages(ctx context.Context, id string) ([]types.MessageWithParts, error)
	ListProviders(ctx context.Context) ([]opencode.Provider, error)
	Prompt(ctx context.Context, id string, in gateway.PromptInput) (*types.MessageWithParts, error)
	SubscribeEvents(ctx context.Context) (*gateway.EventStream, error)
	Abort(ctx context.Context, id string) error
	Summarize(ctx context.Context, id, providerID, modelID string) error
	Init(ctx context.Context, id, providerID, modelID string) error
	RunCommand(ctx context.Context, id, name, args string) (*types.MessageWithParts, error)
	AddMCPServer(ctx context.Context, req types.AddMCPRequest) error
}

// Connector establishes the backend connection. It is called once, by the
// first initialize request.
type Connector func(ctx context.Context) (Backend, error)

// ConnectWith adapts gateway.Connect to a Connector.
func ConnectWith(opts gateway.ConnectOptions) Connector {
	return func(ctx context.Context) (Backend, error) {
		h, err := gateway.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// StaticBackend returns a Connector that hands out an existing backend.
func StaticBackend(b Backend) Connector {
	return func(context.Context) (Backend, error) {
		return b, nil
	}
}

var (
	_ Backend = (*gateway.Client)(nil)
	_ Backend = (*gateway.Handle)(nil)
)
