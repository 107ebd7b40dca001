package hostrelay

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// channelAddr is a placeholder net.Addr for endpoints that have no real
// network address, such as an SSH channel multiplexed inside another
// connection.
type channelAddr string

func (a channelAddr) Network() string { return "ssh-channel" }
func (a channelAddr) String() string  { return string(a) }

// channelConn adapts an ssh.Channel into a net.Conn so that a second,
// independent protocol (here, a nested SSH handshake) can run over it.
// Deadlines are accepted but not enforced: ssh.Channel has no deadline
// concept of its own.
type channelConn struct {
	ssh.Channel
	localAddr  net.Addr
	remoteAddr net.Addr
}

// newChannelConn wraps ch as a net.Conn, labeled with the given addresses
// for logging purposes only.
func newChannelConn(ch ssh.Channel, localAddr, remoteAddr string) net.Conn {
	return &channelConn{
		Channel:    ch,
		localAddr:  channelAddr(localAddr),
		remoteAddr: channelAddr(remoteAddr),
	}
}

func (c *channelConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *channelConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *channelConn) SetDeadline(t time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*channelConn)(nil)
