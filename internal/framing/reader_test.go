package framing

import (
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// scriptedConn feeds a fixed sequence of byte chunks to each Read
// call, one chunk per call, emulating TCP segmentation across
// completion boundaries.
type scriptedConn struct {
	net.Conn
	chunks [][]byte
	idx    int
}

func (c *scriptedConn) Read(b []byte) (int, error) {
	if c.idx >= len(c.chunks) {
		return 0, nil // peer closed
	}
	chunk := c.chunks[c.idx]
	c.idx++
	n := copy(b, chunk)
	return n, nil
}

func (c *scriptedConn) Close() error                       { return nil }
func (c *scriptedConn) LocalAddr() net.Addr                 { return nil }
func (c *scriptedConn) RemoteAddr() net.Addr                { return nil }
func (c *scriptedConn) SetDeadline(t time.Time) error       { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error  { return nil }

// makeRecord builds a byteLen-byte record (rlength = byteLen/4) with
// the given rtype and every remaining byte set to fill.
func makeRecord(byteLen int, rtype byte, fill byte) []byte {
	b := make([]byte, byteLen)
	b[0] = uint8(byteLen / 4)
	b[1] = rtype
	for i := 2; i < byteLen; i++ {
		b[i] = fill
	}
	return b
}

func TestGet_NoSplit(t *testing.T) {
	a := makeRecord(16, 0xAA, 1)
	b := makeRecord(24, 0xBB, 2)
	conn := &scriptedConn{chunks: [][]byte{append(append([]byte{}, a...), b...)}}

	var got []byte
	r := New(conn, 4096, func(hdr Header, raw []byte) {
		got = append(got, hdr.RType)
	})

	n, err := r.Get()
	assert.NilError(t, err)
	assert.Equal(t, n, 2)
	assert.DeepEqual(t, got, []byte{0xAA, 0xBB})
	assert.Equal(t, r.LeftoverCount(), 0)
}

func TestGet_SplitMidRecord(t *testing.T) {
	a := makeRecord(16, 0xAA, 1)
	b := makeRecord(16, 0xBB, 2)
	c := makeRecord(24, 0xCC, 3)

	first := append(append([]byte{}, a...), b[:8]...)
	second := append(append([]byte{}, b[8:]...), c...)

	conn := &scriptedConn{chunks: [][]byte{first, second}}

	var got []byte
	r := New(conn, 4096, func(hdr Header, raw []byte) {
		got = append(got, hdr.RType)
	})

	n1, err := r.Get()
	assert.NilError(t, err)
	assert.Equal(t, n1, 1)
	assert.Equal(t, r.LeftoverCount(), 8)

	n2, err := r.Get()
	assert.NilError(t, err)
	assert.Equal(t, n2, 2)
	assert.Equal(t, r.LeftoverCount(), 0)

	assert.DeepEqual(t, got, []byte{0xAA, 0xBB, 0xCC})
}

func TestGet_BadMessageLength(t *testing.T) {
	bad := make([]byte, 16)
	bad[0] = 2 // rlength=2 -> byte length 8 < 16
	bad[1] = 0x99

	conn := &scriptedConn{chunks: [][]byte{bad}}

	dispatched := 0
	r := New(conn, 4096, func(hdr Header, raw []byte) {
		dispatched++
	})

	_, err := r.Get()
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Equal(t, dispatched, 0)
}

func TestGet_PeerClosed(t *testing.T) {
	conn := &scriptedConn{chunks: nil}
	r := New(conn, 4096, func(hdr Header, raw []byte) {})

	_, err := r.Get()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestGet_RepostsAlternateBuffers(t *testing.T) {
	rec := makeRecord(16, 0x01, 0)
	conn := &scriptedConn{chunks: [][]byte{rec, rec, rec}}
	r := New(conn, 4096, func(hdr Header, raw []byte) {})

	for i := 0; i < 3; i++ {
		_, err := r.Get()
		assert.NilError(t, err)
	}
	// Three completions against two buffers; the active index must
	// have alternated back to buffer 1 after an odd number of reads.
	assert.Equal(t, r.active, 1)
}
