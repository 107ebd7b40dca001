package hostrelay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// localForwardReadBufferSize is the read buffer size used by the local TCP
// forwarder pump (spec §4.5).
const localForwardReadBufferSize = 64 * 1024

// forwardedConnQueueCapacity bounds the number of unread chunks buffered
// per ForwardedConnection, matching the original's mpsc::channel(10): once
// full, pump blocks in PushChunk and stops reading the channel, throttling
// the SSH flow-control window back to the remote sender instead of buffering
// without limit.
const forwardedConnQueueCapacity = 10

// ForwardedConnection is the handle to one accepted forwarded-tcpip SSH
// channel (spec §3). It is created when a ClientSession's inner SSH server
// observes a channel_open_forwarded_tcpip event, and is owned by the caller
// (either directly, via AddPortRaw's receiver channel, or internally by the
// C7 local TCP forwarder spawned by AddPort).
//
// It implements io.ReadWriteCloser and CloseWrite so the C7 bridging pump
// can treat it exactly like a net.Conn half.
type ForwardedConnection struct {
	channel ssh.Channel

	port          uint32
	originHost    string
	originPort    uint32

	adapter   *ChunkedByteAdapter
	closeOnce sync.Once
}

func newForwardedConnection(ch ssh.Channel, port uint32, originHost string, originPort uint32) *ForwardedConnection {
	fc := &ForwardedConnection{
		channel:    ch,
		port:       port,
		originHost: originHost,
		originPort: originPort,
		adapter:    NewBoundedChunkedByteAdapter(forwardedConnQueueCapacity),
	}
	go fc.pump()
	return fc
}

func (fc *ForwardedConnection) pump() {
	buf := make([]byte, localForwardReadBufferSize)
	for {
		n, err := fc.channel.Read(buf)
		if n > 0 {
			fc.adapter.PushChunk(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				fc.adapter.PushEOF()
			} else {
				fc.adapter.PushError(err)
			}
			return
		}
	}
}

// Port returns the forwarded port number this connection arrived on.
func (fc *ForwardedConnection) Port() uint32 { return fc.port }

// OriginHost and OriginPort identify the originator of the connection, as
// reported in the forwarded-tcpip channel-open payload.
func (fc *ForwardedConnection) OriginHost() string { return fc.originHost }
func (fc *ForwardedConnection) OriginPort() uint32 { return fc.originPort }

// Read implements io.Reader.
func (fc *ForwardedConnection) Read(p []byte) (int, error) { return fc.adapter.Read(p) }

// Write implements io.Writer.
func (fc *ForwardedConnection) Write(p []byte) (int, error) { return fc.channel.Write(p) }

// Send is a convenience alias for Write returning only an error, matching
// the caller-visible surface described in spec §6.3.
func (fc *ForwardedConnection) Send(p []byte) error {
	_, err := fc.Write(p)
	return err
}

// Recv returns the next chunk of inbound bytes. It returns a nil slice and
// the adapter's terminal error (io.EOF on a clean end) once the connection
// has ended and all buffered data has been drained.
func (fc *ForwardedConnection) Recv() ([]byte, error) {
	buf := make([]byte, localForwardReadBufferSize)
	n, err := fc.adapter.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// CloseWrite half-closes the connection's outbound direction.
func (fc *ForwardedConnection) CloseWrite() error {
	return fc.channel.CloseWrite()
}

// Close ends the connection in both directions.
func (fc *ForwardedConnection) Close() error {
	var err error
	fc.closeOnce.Do(func() {
		fc.adapter.Close()
		err = fc.channel.Close()
	})
	return err
}

// Split returns independent read and write halves of the connection, for
// callers that want to hand off each direction to separate goroutines.
func (fc *ForwardedConnection) Split() (io.Reader, io.WriteCloser) {
	return forwardedConnReader{fc}, forwardedConnWriter{fc}
}

type forwardedConnReader struct{ fc *ForwardedConnection }

func (r forwardedConnReader) Read(p []byte) (int, error) { return r.fc.Read(p) }

type forwardedConnWriter struct{ fc *ForwardedConnection }

func (w forwardedConnWriter) Write(p []byte) (int, error) { return w.fc.Write(p) }
func (w forwardedConnWriter) Close() error                { return w.fc.CloseWrite() }

var _ io.ReadWriteCloser = (*ForwardedConnection)(nil)

// runLocalTCPForwarder is the C7 component: for every ForwardedConnection
// delivered on receiver, dial 127.0.0.1:<port> and pump bytes bidirectionally,
// half-closing each side once its inbound direction ends, until both
// directions have ended. It returns when ctx is cancelled or receiver is
// closed (spec §4.5, §5 cancellation: "remove_port closes per-port sender;
// receivers observe end-of-stream; local TCP pump bound to that port exits").
func runLocalTCPForwarder(ctx context.Context, logger Logger, receiver <-chan *ForwardedConnection) {
	for {
		select {
		case <-ctx.Done():
			return
		case fc, ok := <-receiver:
			if !ok {
				return
			}
			go bridgeToLocalTCP(logger, fc)
		}
	}
}

func bridgeToLocalTCP(logger Logger, fc *ForwardedConnection) {
	addr := fmt.Sprintf("127.0.0.1:%d", fc.Port())
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.WLogf("local forwarder: dial %s failed: %s", addr, err)
		}
		fc.Close()
		return
	}
	defer conn.Close()
	defer fc.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpToForwardedConnection(conn, fc)
		fc.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		pumpFromForwardedConnection(fc, conn)
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()
	wg.Wait()
}

func pumpToForwardedConnection(src net.Conn, dst *ForwardedConnection) {
	buf := make([]byte, localForwardReadBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if sendErr := dst.Send(buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func pumpFromForwardedConnection(src *ForwardedConnection, dst net.Conn) {
	for {
		data, err := src.Recv()
		if len(data) > 0 {
			if _, werr := dst.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
