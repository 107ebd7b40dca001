package hostrelay

import "context"

// TunnelConnectionMode identifies how a tunnel endpoint is reached. The
// core only ever produces TunnelConnectionModeRelay.
type TunnelConnectionMode string

// TunnelConnectionModeRelay is the only connection mode the host relay
// façade registers.
const TunnelConnectionModeRelay TunnelConnectionMode = "TunnelRelay"

// TunnelLocator identifies the tunnel a host is hosting. It is treated as an
// opaque value produced and consumed by the management client; the core
// never inspects its fields.
type TunnelLocator struct {
	ClusterID string
	TunnelID  string
}

// TunnelRelayTunnelEndpoint is the data-dictionary subset of the real
// contract type that the core actually reads or writes: the connection mode
// and host identity it sends, and the relay URI it reads back.
type TunnelRelayTunnelEndpoint struct {
	ConnectionMode TunnelConnectionMode
	HostID         string
	HostPublicKeys []string
	// HostRelayURI is populated by the management service in the response to
	// UpdateTunnelRelayEndpoints; the ws(s):// URL the host should dial.
	HostRelayURI string
}

// TunnelPort is the data-dictionary subset of the real contract type needed
// to create/delete a forwarded port record.
type TunnelPort struct {
	PortNumber uint16
	Protocol   string
	Name       string
}

// ManagementClient is the narrow interface the core depends on (spec §6.1).
// Its implementation — authentication, HTTP transport, retries, the
// complete tunnel/port/endpoint data model — is an external collaborator and
// is deliberately out of scope for this module.
type ManagementClient interface {
	// UpdateTunnelRelayEndpoints reserves (or updates) the relay endpoint
	// this host will use, returning it with HostRelayURI populated.
	UpdateTunnelRelayEndpoints(ctx context.Context, locator TunnelLocator, endpoint *TunnelRelayTunnelEndpoint, authorization string) (*TunnelRelayTunnelEndpoint, error)

	// DeleteTunnelEndpoints unregisters the given host id's endpoints.
	// Returns false (not an error) if there was nothing to delete (HTTP 404).
	DeleteTunnelEndpoints(ctx context.Context, locator TunnelLocator, hostID string) (bool, error)

	// CreateTunnelPort creates a forwarded port record. An HTTPError with
	// status 409 (already exists) is accepted by HostRelay.AddPortRaw as
	// idempotent success.
	CreateTunnelPort(ctx context.Context, locator TunnelLocator, port *TunnelPort) (*TunnelPort, error)

	// DeleteTunnelPort deletes a forwarded port record. Returns false (not
	// an error) if there was nothing to delete (HTTP 404).
	DeleteTunnelPort(ctx context.Context, locator TunnelLocator, portNumber uint16) (bool, error)
}
