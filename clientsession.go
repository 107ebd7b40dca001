package hostrelay

import (
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/crypto/ssh"
)

// forwardedTCPIPChannelType is the standard SSH channel type carrying one
// accepted TCP-like stream on a port the host previously asked to forward
// (spec §6.2).
const forwardedTCPIPChannelType = "forwarded-tcpip"

// authRejectionDelay is applied before rejecting any authentication method
// other than "none", matching spec §4.4's "rejection delay 5s". In practice
// NoClientAuth accepts the handshake before any other method is ever
// attempted, so this only matters for a client that insists on trying
// password or public-key auth anyway.
const authRejectionDelay = 5 * time.Second

// tcpipForwardPayload is the wire payload of a "tcpip-forward" or
// "cancel-tcpip-forward" global request (RFC 4254 §7.1).
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPIPChannelPayload is the wire payload of a "forwarded-tcpip"
// channel-open (RFC 4254 §7.2).
type forwardedTCPIPChannelPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// ClientSession is the per-remote-client inner SSH server session running
// over one outer channel (spec §3, §4.4). It owns the inner SSH server
// connection, the port-reconciliation loop, and the routing of inbound
// forwarded-tcpip channels to the façade's per-port receivers.
type ClientSession struct {
	Lifecycle

	id          uint64
	hostKeypair *HostKeypair
	portMap     *DesiredPortMap

	sshConn ssh.Conn
}

// Once implements ShutdownHandler.
func (cs *ClientSession) Once(completionErr error) error {
	if cs.sshConn != nil {
		cs.sshConn.Close()
	}
	return completionErr
}

// run drives the inner SSH server handshake and main loop over outerChannel.
// If the handshake (including "none" auth) never completes, the task ends
// quietly (spec §4.4 step 3).
func (cs *ClientSession) run(outerChannel ssh.Channel) {
	conn := newChannelConn(outerChannel, fmt.Sprintf("inner-server-%d", cs.id), fmt.Sprintf("inner-client-%d", cs.id))

	config := &ssh.ServerConfig{
		NoClientAuth: true,
		Config: ssh.Config{
			RekeyThreshold: math.MaxUint64,
		},
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, cs.rejectOtherAuth()
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, cs.rejectOtherAuth()
		},
	}
	config.AddHostKey(cs.hostKeypair.Signer())

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		cs.DLogf("inner ssh handshake did not complete: %s", err)
		cs.StartShutdown(nil)
		return
	}
	cs.sshConn = sshConn

	go ssh.DiscardRequests(reqs)
	go cs.reconcileLoop()
	go func() {
		waitErr := sshConn.Wait()
		if waitErr != nil && waitErr != io.EOF {
			cs.StartShutdown(newRelayDisconnectedError(waitErr))
		} else {
			cs.StartShutdown(nil)
		}
	}()

	cs.handleChannels(chans)
}

func (cs *ClientSession) rejectOtherAuth() error {
	time.Sleep(authRejectionDelay)
	return fmt.Errorf("only \"none\" authentication is accepted")
}

// handleChannels routes every inbound forwarded-tcpip channel-open to the
// port it names; anything else is rejected (spec §4.4, §4.6).
func (cs *ClientSession) handleChannels(chans <-chan ssh.NewChannel) {
	for newCh := range chans {
		if newCh.ChannelType() != forwardedTCPIPChannelType {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var payload forwardedTCPIPChannelPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			cs.WLogf("failed to accept forwarded-tcpip channel: %s", err)
			continue
		}
		go ssh.DiscardRequests(reqs)

		fc := newForwardedConnection(ch, payload.Port, payload.OriginAddr, payload.OriginPort)
		cs.routeForwardedConnection(payload.Port, fc)
	}
}

// routeForwardedConnection delivers fc to the queue currently registered for
// its port in the desired-port map; a connection on a port that is not
// currently desired is closed. DesiredPortMap.Deliver does the lookup and
// handoff under its own lock, so this can never race a concurrent RemovePort.
func (cs *ClientSession) routeForwardedConnection(port uint32, fc *ForwardedConnection) {
	if !cs.portMap.Deliver(port, fc) {
		fc.Close()
	}
}

// reconcileLoop brings this session's advertised port set into agreement
// with the façade's desired-port map every time it changes (spec §4.4 step
// 4, §5 "port reconciliation monotone per session").
func (cs *ClientSession) reconcileLoop() {
	known := map[uint32]struct{}{}
	for {
		snapshot, changedCh := cs.portMap.Snapshot()
		cs.reconcileOnce(known, snapshot)
		known = make(map[uint32]struct{}, len(snapshot))
		for port := range snapshot {
			known[port] = struct{}{}
		}

		select {
		case <-changedCh:
			continue
		case <-cs.ShutdownStartedChan():
			return
		}
	}
}

func (cs *ClientSession) reconcileOnce(known map[uint32]struct{}, desired map[uint32]portEntry) {
	for port := range desired {
		if _, already := known[port]; !already {
			if err := cs.sendTCPIPForward(port); err != nil {
				cs.WLogf("tcpip-forward for port %d failed: %s", port, err)
			}
		}
	}
	for port := range known {
		if _, stillDesired := desired[port]; !stillDesired {
			if err := cs.sendCancelTCPIPForward(port); err != nil {
				cs.WLogf("cancel-tcpip-forward for port %d failed: %s", port, err)
			}
		}
	}
}

func (cs *ClientSession) sendTCPIPForward(port uint32) error {
	payload := ssh.Marshal(&tcpipForwardPayload{BindAddr: "127.0.0.1", BindPort: port})
	ok, _, err := cs.sshConn.SendRequest("tcpip-forward", true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request rejected by remote client")
	}
	return nil
}

func (cs *ClientSession) sendCancelTCPIPForward(port uint32) error {
	payload := ssh.Marshal(&tcpipForwardPayload{BindAddr: "127.0.0.1", BindPort: port})
	ok, _, err := cs.sshConn.SendRequest("cancel-tcpip-forward", true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request rejected by remote client")
	}
	return nil
}
