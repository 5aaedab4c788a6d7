// Package framing implements the double-buffered DBN record reader:
// it pulls bytes off a socket into one of two alternating buffers and
// splits them into length-prefixed records, carrying any partial tail
// record over to the next read.
//
// An io_uring-style submission/completion ring would be a natural fit
// for this workload, but no io_uring binding exists in this dependency
// lineage. The ring is realized here instead as a single goroutine
// alternating ordinary blocking Read calls between the two buffers:
// one task owns both buffers at all times, and each Read corresponds
// to exactly one completion, so the double-buffer handoff and
// carry-over behavior are unaffected by the substitution.
package framing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrBadMessage is returned when a record's length prefix describes a
// record shorter than the minimum 16 bytes.
var ErrBadMessage = errors.New("framing: record shorter than minimum length")

// ErrPeerClosed is returned when the peer closes the connection
// (a zero-byte read).
var ErrPeerClosed = errors.New("framing: peer closed connection")

const minRecordLen = 16

// RecordFunc is invoked once per fully-received record. The slice is
// only valid for the duration of the call.
type RecordFunc func(hdr Header, raw []byte)

// Header mirrors the common 16-byte DBN record prefix; framing only
// needs the length byte to split the stream, decoding the rest is the
// caller's job (see the top-level Record types).
type Header struct {
	Length uint8
	RType  byte
}

func parseHeader(b []byte) Header {
	return Header{Length: b[0], RType: b[1]}
}

// Reader implements the double-buffered receive loop. It is not safe
// for concurrent use: at most one goroutine may call Get at a time, so
// that at most one record-sink invocation is ever in progress on a
// given session.
type Reader struct {
	conn net.Conn

	bufs      [2]*buffer
	active    int // index of the buffer currently posted for read
	carryOver []byte
	carryCap  int
	onRecord  RecordFunc

	recordsDispatched    atomic.Int64
	bytesReceived        atomic.Int64
	carryOverActivations atomic.Int64
}

type buffer struct {
	id   int
	data []byte
}

// New allocates a Reader with two capacity-sized receive buffers and a
// carry-over buffer of the same capacity.
func New(conn net.Conn, capacity int, onRecord RecordFunc) *Reader {
	r := &Reader{
		conn:     conn,
		carryCap: capacity,
		onRecord: onRecord,
	}
	r.bufs[0] = &buffer{id: 0, data: make([]byte, capacity)}
	r.bufs[1] = &buffer{id: 1, data: make([]byte, capacity)}
	r.carryOver = make([]byte, 0, capacity)
	return r
}

// Get waits for one completion (one Read on the currently-posted
// buffer), splits it into zero or more complete records, dispatches
// each to onRecord in receive order, and re-posts the buffer for the
// next call. It returns the number of records dispatched this call.
// If bytes primed by SeedCarryOver already hold a complete record,
// that call splits them without a Read.
//
// A signal interruption (EINTR) surfacing from the underlying Read is
// reported as "zero records, no error", letting the caller's outer
// loop observe a stop flag without treating the interruption as
// fatal.
func (r *Reader) Get() (int, error) {
	buf := r.bufs[r.active]

	// Carry-over that already holds a whole record (or a bad length
	// prefix) can only have come from SeedCarryOver; split it without
	// waiting for another Read.
	seeded := len(r.carryOver) >= minRecordLen && len(r.carryOver) >= int(r.carryOver[0])*4

	var n int
	var err error
	if !seeded {
		n, err = r.conn.Read(buf.data)
	}
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			return 0, ErrPeerClosed
		}
		return 0, fmt.Errorf("framing: read: %w", err)
	}
	if n == 0 && !seeded {
		return 0, ErrPeerClosed
	}

	r.bytesReceived.Add(int64(n))

	payload := buf.data[:n]
	leftover := len(r.carryOver)
	if leftover > 0 {
		r.carryOverActivations.Add(1)
		// Shift the new payload right by leftover bytes and prepend
		// the carried-over tail from the previous read.
		combined := make([]byte, leftover+n)
		copy(combined, r.carryOver)
		copy(combined[leftover:], payload)
		payload = combined
		r.carryOver = r.carryOver[:0]
	}

	dispatched := 0
	off := 0
	remaining := len(payload)
	for remaining >= minRecordLen {
		hdr := parseHeader(payload[off:])
		length := int(hdr.Length) * 4
		if length < minRecordLen {
			return dispatched, fmt.Errorf("framing: %w: rlength=%d", ErrBadMessage, hdr.Length)
		}
		if remaining < length {
			break
		}
		r.onRecord(hdr, payload[off:off+length])
		off += length
		remaining -= length
		dispatched++
	}

	if remaining > 0 {
		if remaining > r.carryCap {
			return dispatched, fmt.Errorf("framing: carry-over of %d bytes exceeds capacity %d", remaining, r.carryCap)
		}
		r.carryOver = append(r.carryOver[:0], payload[off:off+remaining]...)
	}

	// Re-post the just-consumed buffer by switching to the other one;
	// the kernel "re-posts" it implicitly on the next Read call.
	r.active = 1 - r.active

	r.recordsDispatched.Add(int64(dispatched))
	return dispatched, nil
}

// Stats is a point-in-time snapshot of a Reader's receive-loop
// counters, exposed for pkg/metrics.
type Stats struct {
	RecordsDispatched    int64
	BytesReceived        int64
	CarryOverActivations int64
	LeftoverBytes        int
}

// Stats returns the current counter snapshot.
func (r *Reader) Stats() Stats {
	return Stats{
		RecordsDispatched:    r.recordsDispatched.Load(),
		BytesReceived:        r.bytesReceived.Load(),
		CarryOverActivations: r.carryOverActivations.Load(),
		LeftoverBytes:        r.LeftoverCount(),
	}
}

// LeftoverCount reports the current carry-over byte count, which
// never exceeds the reader's configured capacity.
func (r *Reader) LeftoverCount() int {
	return len(r.carryOver)
}

// SeedCarryOver primes the carry-over buffer with bytes the control
// handshake already pulled off the socket (see wire.DrainBuffered).
// Must be called before the first Get.
func (r *Reader) SeedCarryOver(b []byte) error {
	if len(b) > r.carryCap {
		return fmt.Errorf("framing: seed carry-over of %d bytes exceeds capacity %d", len(b), r.carryCap)
	}
	r.carryOver = append(r.carryOver[:0], b...)
	return nil
}
