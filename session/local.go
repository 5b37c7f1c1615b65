package session

import "context"

// DefaultInitAddress is where Init starts the embedded server.
const DefaultInitAddress = "localhost:50051"

// ServerHandle is an embedded server started by a LocalServer.
type ServerHandle interface {
	Addr() string
}

// AddressInfo describes a started embedded server.
type AddressInfo struct {
	Address      string `json:"address"`
	DashboardURL string `json:"dashboard_url"`
	NodeID       string `json:"node_id"`
}

// LocalServer starts and stops embedded cluster servers for Init.
type LocalServer interface {
	StartLocal(ctx context.Context, address string, initOptions map[string]any) (ServerHandle, AddressInfo, error)
	StopLocal(handle ServerHandle, exitingProcess bool) error
}
