package types

// MCP server types understood by POST /mcp.
const (
	MCPTypeLocal  = "local"
	MCPTypeRemote = "remote"
)

// AddMCPRequest is the body of POST /mcp.
type AddMCPRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}
