package hostrelay

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config carries the ambient knobs a caller may want to override; every
// field has a usable zero value.
type Config struct {
	// UserAgent is sent as the WebSocket dial's User-Agent header.
	UserAgent string
	// PingInterval and PingTimeout override the WebSocket liveness defaults.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// LogLevel controls the verbosity of the façade's own logger and every
	// Logger forked from it.
	LogLevel LogLevel
}

// HostRelay is the public entry point (spec §4.6, C8): it owns the host's
// identity and keypair, the desired-port map, and produces RelayHandles by
// connecting to the relay.
type HostRelay struct {
	Logger

	locator    TunnelLocator
	management ManagementClient
	config     Config

	identity HostIdentity
	keypair  *HostKeypair
	portMap  *DesiredPortMap
}

// New constructs a HostRelay for the given tunnel, generating a fresh
// HostIdentity and HostKeypair.
func New(locator TunnelLocator, management ManagementClient) (*HostRelay, error) {
	return NewWithConfig(locator, management, Config{})
}

// NewWithConfig is New with explicit ambient configuration.
func NewWithConfig(locator TunnelLocator, management ManagementClient, config Config) (*HostRelay, error) {
	keypair, err := NewHostKeypair()
	if err != nil {
		return nil, err
	}
	return &HostRelay{
		Logger:     NewLogger("hostrelay", config.LogLevel),
		locator:    locator,
		management: management,
		config:     config,
		identity:   NewHostIdentity(),
		keypair:    keypair,
		portMap:    NewDesiredPortMap(),
	}, nil
}

// Identity returns the HostIdentity generated for this façade.
func (r *HostRelay) Identity() HostIdentity { return r.identity }

// Connect registers this host with the relay and establishes the outer
// SSH session over a freshly dialed WebSocket (spec §4.6 steps 1-6).
func (r *HostRelay) Connect(ctx context.Context, hostToken string) (*RelayHandle, error) {
	endpoint := &TunnelRelayTunnelEndpoint{
		ConnectionMode: TunnelConnectionModeRelay,
		HostID:         r.identity.String(),
		HostPublicKeys: []string{r.keypair.PublicKeyFingerprint()},
	}
	updated, err := r.management.UpdateTunnelRelayEndpoints(ctx, r.locator, endpoint, "tunnel "+hostToken)
	if err != nil {
		return nil, newHTTPTunnelError("failed to update tunnel endpoint for hosting", err)
	}
	if updated.HostRelayURI == "" {
		return nil, &TunnelError{Kind: TunnelErrorMissingHostEndpoint}
	}

	wsConfig := WebSocketConfig{
		URL:          updated.HostRelayURI,
		Token:        hostToken,
		UserAgent:    r.config.UserAgent,
		PingInterval: r.config.PingInterval,
		PingTimeout:  r.config.PingTimeout,
	}
	wsConn, err := DialWebSocket(ctx, wsConfig, r.Fork("ws"))
	if err != nil {
		return nil, newWebSocketError(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(wsConn, updated.HostRelayURI, outerClientConfig(r.identity.String()))
	if err != nil {
		wsConn.Close()
		return nil, newWebSocketError(err)
	}

	session := newRelaySession(r.Fork("session"), sshConn, chans, reqs, r.keypair, r.portMap)

	return &RelayHandle{session: session, endpoint: updated}, nil
}

// AddPortRaw registers a port with the management service (or accepts it as
// already registered on HTTP 409) and adds it to the desired-port map,
// returning the channel new ForwardedConnections on that port will arrive
// on (spec §4.6).
func (r *HostRelay) AddPortRaw(ctx context.Context, spec PortSpec) (<-chan *ForwardedConnection, error) {
	if r.portMap.Has(spec.PortNumber) {
		return nil, newPortAlreadyExistsError(spec.PortNumber)
	}

	tunnelPort := &TunnelPort{PortNumber: uint16(spec.PortNumber), Protocol: spec.Protocol, Name: spec.Name}
	if _, err := r.management.CreateTunnelPort(ctx, r.locator, tunnelPort); err != nil {
		var httpErr *HTTPError
		if !(errors.As(err, &httpErr) && httpErr.Kind == HTTPErrorResponse && httpErr.StatusCode == 409) {
			return nil, newHTTPTunnelError("failed to add port to tunnel", err)
		}
		// HTTP 409 (already exists) is treated as idempotent success.
	}

	return r.portMap.Add(spec)
}

// AddPort is AddPortRaw plus a local TCP forwarder dialing 127.0.0.1:<port>
// for every accepted connection (spec §4.5, §4.6).
func (r *HostRelay) AddPort(ctx context.Context, spec PortSpec) error {
	ch, err := r.AddPortRaw(ctx, spec)
	if err != nil {
		return err
	}
	go runLocalTCPForwarder(context.Background(), r.Fork("forwarder.%d", spec.PortNumber), ch)
	return nil
}

// RemovePort unregisters a port with the management service and removes it
// from the desired-port map. HTTP 404 is not an error (spec §7).
func (r *HostRelay) RemovePort(ctx context.Context, portNumber uint16) error {
	if _, err := r.management.DeleteTunnelPort(ctx, r.locator, portNumber); err != nil {
		return newHTTPTunnelError("failed to remove port from tunnel", err)
	}
	r.portMap.Remove(uint32(portNumber))
	return nil
}

// Unregister deletes this host's endpoints from the management service.
func (r *HostRelay) Unregister(ctx context.Context) (bool, error) {
	ok, err := r.management.DeleteTunnelEndpoints(ctx, r.locator, r.identity.String())
	if err != nil {
		return false, newHTTPTunnelError("could not unregister relay", err)
	}
	return ok, nil
}

// RelayHandle is the caller-visible owner of one RelaySession (spec §3,
// §6.3): it is awaitable for termination and exposes Close and the resolved
// endpoint.
type RelayHandle struct {
	session  *RelaySession
	endpoint *TunnelRelayTunnelEndpoint
}

// Endpoint returns the tunnel endpoint resolved during Connect.
func (h *RelayHandle) Endpoint() *TunnelRelayTunnelEndpoint { return h.endpoint }

// Wait blocks until the relay session ends, returning nil on a graceful EOF
// or a TunnelError{Kind: TunnelErrorRelayDisconnected} on transport failure.
func (h *RelayHandle) Wait() error {
	return h.session.WaitShutdown()
}

// Close ends the relay session. Per spec §9's documented source behavior,
// any error from the underlying disconnect/close path is dropped: the
// caller only observes the session's own final completion status.
func (h *RelayHandle) Close() error {
	return h.session.Shutdown(nil)
}
