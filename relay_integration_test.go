package hostrelay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeManagementClient is a reference in-memory ManagementClient used by
// every integration test in this file; it is grounded in nothing more than
// ordinary net/http/httptest-style fakes, since the real management client
// is an external collaborator out of scope for this module (spec §6.1).
type fakeManagementClient struct {
	mu sync.Mutex

	relayURL string

	createPortCalls     int
	createPort409OnCall int

	deletePort404       bool
	deleteEndpoints404  bool
}

func (f *fakeManagementClient) UpdateTunnelRelayEndpoints(ctx context.Context, locator TunnelLocator, endpoint *TunnelRelayTunnelEndpoint, authorization string) (*TunnelRelayTunnelEndpoint, error) {
	out := *endpoint
	out.HostRelayURI = f.relayURL
	return &out, nil
}

func (f *fakeManagementClient) DeleteTunnelEndpoints(ctx context.Context, locator TunnelLocator, hostID string) (bool, error) {
	return !f.deleteEndpoints404, nil
}

func (f *fakeManagementClient) CreateTunnelPort(ctx context.Context, locator TunnelLocator, port *TunnelPort) (*TunnelPort, error) {
	f.mu.Lock()
	f.createPortCalls++
	n := f.createPortCalls
	f.mu.Unlock()
	if f.createPort409OnCall != 0 && n == f.createPort409OnCall {
		return nil, &HTTPError{Kind: HTTPErrorResponse, StatusCode: 409, Message: "port already exists"}
	}
	return port, nil
}

func (f *fakeManagementClient) DeleteTunnelPort(ctx context.Context, locator TunnelLocator, portNumber uint16) (bool, error) {
	if f.deletePort404 {
		return false, nil
	}
	return true, nil
}

// tcpipForwardObservation is what the fake remote client reports every time
// the host sends it a tcpip-forward or cancel-tcpip-forward global request.
type tcpipForwardObservation struct {
	Cancel bool
	Port   uint32
}

// fakeRemoteClient plays the role of one remote tunnel client: it completes
// the inner SSH client handshake over the outer channel the fake relay
// opened toward the host, observes forward requests, and can simulate an
// inbound connection by opening a forwarded-tcpip channel.
type fakeRemoteClient struct {
	sshConn     ssh.Conn
	forwardObs  chan tcpipForwardObservation
}

func newFakeRemoteClient(t *testing.T, outerChannel ssh.Channel, outerRequests <-chan *ssh.Request) *fakeRemoteClient {
	go ssh.DiscardRequests(outerRequests)

	conn := newChannelConn(outerChannel, "fake-remote-client", "host")
	clientConfig := &ssh.ClientConfig{
		User:            "remote-client",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, "inner-session", clientConfig)
	require.NoError(t, err)

	rc := &fakeRemoteClient{
		sshConn:    sshConn,
		forwardObs: make(chan tcpipForwardObservation, 16),
	}

	go func() {
		for nc := range chans {
			_ = nc.Reject(ssh.UnknownChannelType, "fake remote client accepts no inbound channels")
		}
	}()

	go func() {
		for req := range reqs {
			switch req.Type {
			case "tcpip-forward", "cancel-tcpip-forward":
				var payload tcpipForwardPayload
				_ = ssh.Unmarshal(req.Payload, &payload)
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
				rc.forwardObs <- tcpipForwardObservation{Cancel: req.Type == "cancel-tcpip-forward", Port: payload.BindPort}
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()

	return rc
}

func (rc *fakeRemoteClient) openForwardedTCPIP(t *testing.T, port uint32) ssh.Channel {
	payload := ssh.Marshal(&forwardedTCPIPChannelPayload{Addr: "127.0.0.1", Port: port, OriginAddr: "127.0.0.1", OriginPort: 0})
	ch, reqs, err := rc.sshConn.OpenChannel(forwardedTCPIPChannelType, payload)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	return ch
}

func generateTestSigner(t *testing.T) ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// fakeRelay is a minimal stand-in for the cloud relay service: it accepts
// the host's WebSocket, runs the outer SSH server side of the handshake
// (with the host as the SSH client, per spec §4.3), and for every connection
// opens one client-ssh-session-stream channel to simulate one remote client
// connecting through it.
type fakeRelay struct {
	t           *testing.T
	upgrader    websocket.Upgrader
	clientReady chan *fakeRemoteClient
}

func newFakeRelay(t *testing.T) *fakeRelay {
	return &fakeRelay{
		t:           t,
		upgrader:    websocket.Upgrader{Subprotocols: []string{"tunnel-relay-host"}},
		clientReady: make(chan *fakeRemoteClient, 4),
	}
}

func (fr *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := fr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wsConn := newWebSocketConn(conn, time.Minute, time.Minute, NewLogger("fake-relay-ws", LogLevelError))

	serverConfig := &ssh.ServerConfig{NoClientAuth: true}
	serverConfig.AddHostKey(generateTestSigner(fr.t))

	sshConn, chans, reqs, err := ssh.NewServerConn(wsConn, serverConfig)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			_ = nc.Reject(ssh.UnknownChannelType, "fake relay accepts no inbound channels from the host")
		}
	}()

	ch, outerReqs, err := sshConn.OpenChannel(clientSSHSessionStreamChannelType, nil)
	if err != nil {
		fr.t.Errorf("fake relay: failed to open client-ssh-session-stream: %s", err)
		return
	}

	fr.clientReady <- newFakeRemoteClient(fr.t, ch, outerReqs)
}

func startFakeRelay(t *testing.T) (*httptest.Server, *fakeRelay) {
	fr := newFakeRelay(t)
	srv := httptest.NewServer(fr)
	return srv, fr
}

func wsURLFor(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForFakeClient(t *testing.T, fr *fakeRelay) *fakeRemoteClient {
	select {
	case rc := <-fr.clientReady:
		return rc
	case <-time.After(3 * time.Second):
		t.Fatal("fake remote client never connected through the relay")
		return nil
	}
}

func waitForForwardObservation(t *testing.T, rc *fakeRemoteClient) tcpipForwardObservation {
	select {
	case obs := <-rc.forwardObs:
		return obs
	case <-time.After(3 * time.Second):
		t.Fatal("tcpip-forward/cancel-tcpip-forward was never observed")
		return tcpipForwardObservation{}
	}
}

// TestRelayHappyPath is spec scenario S1.
func TestRelayHappyPath(t *testing.T) {
	srv, fr := startFakeRelay(t)
	defer srv.Close()

	mgmt := &fakeManagementClient{relayURL: wsURLFor(srv)}
	relay, err := New(TunnelLocator{ClusterID: "cluster", TunnelID: "tunnel"}, mgmt)
	require.NoError(t, err)

	handle, err := relay.Connect(context.Background(), "host-token")
	require.NoError(t, err)
	defer handle.Close()

	rc := waitForFakeClient(t, fr)

	recvCh, err := relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 8080})
	require.NoError(t, err)

	obs := waitForForwardObservation(t, rc)
	require.False(t, obs.Cancel)
	require.EqualValues(t, 8080, obs.Port)

	ch := rc.openForwardedTCPIP(t, 8080)
	_, err = ch.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case fc := <-recvCh:
		data, err := fc.Recv()
		require.NoError(t, err)
		require.Equal(t, "hello", string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("forwarded connection was never delivered")
	}
}

// TestRelayPortReconciliation is spec scenario S2.
func TestRelayPortReconciliation(t *testing.T) {
	srv, fr := startFakeRelay(t)
	defer srv.Close()

	mgmt := &fakeManagementClient{relayURL: wsURLFor(srv)}
	relay, err := New(TunnelLocator{}, mgmt)
	require.NoError(t, err)

	handle, err := relay.Connect(context.Background(), "host-token")
	require.NoError(t, err)
	defer handle.Close()

	rc := waitForFakeClient(t, fr)

	_, err = relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 9000})
	require.NoError(t, err)
	added := waitForForwardObservation(t, rc)
	require.False(t, added.Cancel)
	require.EqualValues(t, 9000, added.Port)

	require.NoError(t, relay.RemovePort(context.Background(), 9000))
	removed := waitForForwardObservation(t, rc)
	require.True(t, removed.Cancel)
	require.EqualValues(t, 9000, removed.Port)
}

// TestAddPortRawDuplicate is spec scenario S3.
func TestAddPortRawDuplicate(t *testing.T) {
	mgmt := &fakeManagementClient{}
	relay, err := New(TunnelLocator{}, mgmt)
	require.NoError(t, err)

	_, err = relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 8080})
	require.NoError(t, err)

	_, err = relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 8080})
	require.Error(t, err)
	var tunnelErr *TunnelError
	require.True(t, errors.As(err, &tunnelErr))
	require.Equal(t, TunnelErrorPortAlreadyExists, tunnelErr.Kind)
	require.Equal(t, 1, mgmt.createPortCalls)
}

// TestAddPortRawIdempotentCreate is spec scenario S4.
func TestAddPortRawIdempotentCreate(t *testing.T) {
	mgmt := &fakeManagementClient{createPort409OnCall: 1}
	relay, err := New(TunnelLocator{}, mgmt)
	require.NoError(t, err)

	ch, err := relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 8080})
	require.NoError(t, err)
	require.NotNil(t, ch)
	require.True(t, relay.portMap.Has(8080))
}

// TestRemovePortIdempotentOn404 is spec round-trip 8: a 404 on remove
// still removes the port and returns success.
func TestRemovePortIdempotentOn404(t *testing.T) {
	mgmt := &fakeManagementClient{deletePort404: true}
	relay, err := New(TunnelLocator{}, mgmt)
	require.NoError(t, err)

	_, err = relay.AddPortRaw(context.Background(), PortSpec{PortNumber: 8080})
	require.NoError(t, err)

	require.NoError(t, relay.RemovePort(context.Background(), 8080))
	require.False(t, relay.portMap.Has(8080))
}

// TestRelayGracefulClose is spec scenario S6.
func TestRelayGracefulClose(t *testing.T) {
	srv, fr := startFakeRelay(t)
	defer srv.Close()

	mgmt := &fakeManagementClient{relayURL: wsURLFor(srv)}
	relay, err := New(TunnelLocator{}, mgmt)
	require.NoError(t, err)

	handle, err := relay.Connect(context.Background(), "host-token")
	require.NoError(t, err)
	waitForFakeClient(t, fr)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Wait())
}
