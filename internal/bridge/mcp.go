package bridge

import (
	"context"
	"fmt"

	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

// mcpRequests converts the client's MCP server list into opencode server
// registrations. Servers without a name get a positional one.
func mcpRequests(servers []acp.McpServer) []types.AddMCPRequest {
	reqs := make([]types.AddMCPRequest, 0, len(servers))
	for i, server := range servers {
		switch {
		case server.Stdio != nil:
			s := server.Stdio
			env := make(map[string]string, len(s.Env))
			for _, kv := range s.Env {
				if kv.Name != "" {
					env[kv.Name] = kv.Value
				}
			}
			reqs = append(reqs, types.AddMCPRequest{
				Name:        mcpName(s.Name, i),
				Type:        types.MCPTypeLocal,
				Command:     append([]string{s.Command}, s.Args...),
				Environment: env,
			})

		case server.Http != nil:
			reqs = append(reqs, types.AddMCPRequest{
				Name:    mcpName(server.Http.Name, i),
				Type:    types.MCPTypeRemote,
				URL:     server.Http.Url,
				Headers: headerMap(server.Http.Headers),
			})

		case server.Sse != nil:
			reqs = append(reqs, types.AddMCPRequest{
				Name:    mcpName(server.Sse.Name, i),
				Type:    types.MCPTypeRemote,
				URL:     server.Sse.Url,
				Headers: headerMap(server.Sse.Headers),
			})
		}
	}
	return reqs
}

func mcpName(name string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("mcp-%d", i+1)
}

func headerMap(headers []acp.HttpHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h.Name != "" {
			out[h.Name] = h.Value
		}
	}
	return out
}

// forwardMCPServers registers the client's MCP servers with the backend.
// Failures are logged per server.
func forwardMCPServers(ctx context.Context, backend Backend, sessionID string, servers []acp.McpServer) {
	for _, req := range mcpRequests(servers) {
		if err := backend.AddMCPServer(ctx, req); err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Str("server", req.Name).Msg("Failed to register MCP server")
			continue
		}
		logging.Debug().Str("sessionID", sessionID).Str("server", req.Name).Str("type", req.Type).Msg("Registered MCP server")
	}
}
