package server

// TableToolServer is the lifecycle of a tool server exposing the embedding
// table coordinator to MCP clients.
type TableToolServer interface {
	// Initialize registers the tools; it must be called before Start.
	Initialize() error

	// Start serves tool calls until the transport closes.
	Start() error

	// Stop gracefully shuts down the server.
	Stop() error
}

var _ TableToolServer = (*MCPTableToolServer)(nil)
