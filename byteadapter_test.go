package hostrelay

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChunkedByteAdapterConcatenation(t *testing.T) {
	chunks := [][]byte{
		[]byte("hello, "),
		[]byte("world"),
		[]byte("!"),
		[]byte(" this is a longer chunk than some read buffers will be"),
	}
	want := ""
	for _, c := range chunks {
		want += string(c)
	}

	for _, bufSize := range []int{1, 2, 3, 7, 64} {
		a := NewChunkedByteAdapter()
		go func() {
			for _, c := range chunks {
				a.PushChunk(c)
			}
			a.PushEOF()
		}()

		got := make([]byte, 0, len(want))
		buf := make([]byte, bufSize)
		for {
			n, err := a.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				require.ErrorIs(t, err, io.EOF)
				break
			}
		}
		require.Equal(t, want, string(got))
	}
}

func TestChunkedByteAdapterEmptyChunkIsNotEOF(t *testing.T) {
	a := NewChunkedByteAdapter()
	a.PushChunk(nil)
	a.PushChunk([]byte("x"))

	buf := make([]byte, 1)
	n, err := a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('x'), buf[0])
}

func TestChunkedByteAdapterErrorPropagation(t *testing.T) {
	a := NewChunkedByteAdapter()
	boom := io.ErrUnexpectedEOF
	a.PushChunk([]byte("partial"))
	a.PushError(boom)

	buf := make([]byte, 7)
	n, err := a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "partial", string(buf[:n]))

	_, err = a.Read(buf)
	require.ErrorIs(t, err, boom)
}

// TestBoundedChunkedByteAdapterAppliesBackpressure verifies that a bounded
// adapter's PushChunk blocks once capacity chunks are buffered and unread,
// and unblocks only once Read has drained one.
func TestBoundedChunkedByteAdapterAppliesBackpressure(t *testing.T) {
	a := NewBoundedChunkedByteAdapter(2)
	a.PushChunk([]byte("a"))
	a.PushChunk([]byte("b"))

	pushed := make(chan struct{})
	go func() {
		a.PushChunk([]byte("c"))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("PushChunk did not block while the bounded queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 1)
	n, err := a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("PushChunk did not unblock after Read freed capacity")
	}
}

func TestChunkedByteAdapterCloseUnblocksReader(t *testing.T) {
	a := NewChunkedByteAdapter()
	done := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 1))
		done <- err
	}()

	a.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}
