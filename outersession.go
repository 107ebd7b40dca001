package hostrelay

import (
	"io"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// clientSSHSessionStreamChannelType is the only outer SSH channel type the
// host relay accepts; every other channel-open request is rejected (spec
// §4.3, §6.2).
const clientSSHSessionStreamChannelType = "client-ssh-session-stream"

// outerClientConfig builds the ssh.ClientConfig for the outer session. The
// spec calls for kex/host-key/cipher/compression all weakened to literal
// "none" with anonymous auth; golang.org/x/crypto/ssh has no such
// algorithms, so this uses the library's default secure suite and accepts
// any host key unconditionally, preserving the trust model the spec
// describes (the relay is not authenticated by key) even though the wire
// bytes are, in fact, encrypted. See SPEC_FULL.md §9 for the full rationale.
func outerClientConfig(user string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		Config: ssh.Config{
			RekeyThreshold: math.MaxUint64,
		},
		User:            user,
		Auth:            nil,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// RelaySession is the active connection to the relay (spec §3): it owns the
// outer SSH client, the dispatcher that demultiplexes inbound
// client-ssh-session-stream channels, and the set of live ClientSessions
// keyed by a locally assigned id (golang.org/x/crypto/ssh does not expose
// the wire channel id).
type RelaySession struct {
	Lifecycle

	hostKeypair *HostKeypair
	portMap     *DesiredPortMap

	sshConn ssh.Conn

	mu             sync.Mutex
	clientSessions map[uint64]*ClientSession
	nextClientID   uint64
}

// newRelaySession constructs a RelaySession over an already-established
// outer SSH client connection and starts its dispatcher.
func newRelaySession(logger Logger, sshConn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, hostKeypair *HostKeypair, portMap *DesiredPortMap) *RelaySession {
	rs := &RelaySession{
		hostKeypair:    hostKeypair,
		portMap:        portMap,
		sshConn:        sshConn,
		clientSessions: map[uint64]*ClientSession{},
	}
	rs.Lifecycle.Init(logger, rs)
	go ssh.DiscardRequests(reqs)
	go rs.dispatchLoop(chans)
	return rs
}

// Once implements ShutdownHandler: tearing down a RelaySession means closing
// the outer SSH connection, which cascades EOF to every inner adapter and,
// via Lifecycle.AddShutdownChild, to every live ClientSession.
func (rs *RelaySession) Once(completionErr error) error {
	rs.sshConn.Close()
	return completionErr
}

func (rs *RelaySession) dispatchLoop(chans <-chan ssh.NewChannel) {
	for newCh := range chans {
		if newCh.ChannelType() != clientSSHSessionStreamChannelType {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			rs.WLogf("failed to accept client-ssh-session-stream channel: %s", err)
			continue
		}
		go ssh.DiscardRequests(reqs)
		rs.startClientSession(ch)
	}
	// chans is only closed once the outer connection itself has ended.
	err := rs.sshConn.Wait()
	var completionErr error
	if err != nil && err != io.EOF {
		completionErr = newRelayDisconnectedError(err)
	}
	rs.StartShutdown(completionErr)
}

func (rs *RelaySession) startClientSession(ch ssh.Channel) {
	id := atomic.AddUint64(&rs.nextClientID, 1)
	cs := &ClientSession{
		id:          id,
		hostKeypair: rs.hostKeypair,
		portMap:     rs.portMap,
	}
	cs.Lifecycle.Init(rs.Fork("client-session.%d", id), cs)

	rs.mu.Lock()
	rs.clientSessions[id] = cs
	rs.mu.Unlock()
	rs.AddShutdownChild(cs)

	go func() {
		cs.run(ch)
		rs.mu.Lock()
		delete(rs.clientSessions, id)
		rs.mu.Unlock()
	}()
}
