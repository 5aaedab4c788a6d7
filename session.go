// Package dbn implements a client for Databento's live market-data
// gateway: TCP connect and CRAM authentication, schema/symbology
// subscription, and a framed DBN record stream delivered to a
// caller-supplied sink.
package dbn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/databento/dbn-go/internal/framing"
	"github.com/databento/dbn-go/internal/sockopt"
	"github.com/databento/dbn-go/internal/wire"
)

// dialer resolves a gateway address to a connection; it is a variable
// rather than a direct net.Dial call so tests can point Connect at a
// loopback fake gateway without needing control over DNS.
var dialer = func(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// recvBufSetter raises a connection's receive buffer and reports the
// effective size actually granted by the kernel; overridable in tests
// that don't want Connect's success to depend on host-specific
// rmem_max limits.
var recvBufSetter = sockopt.SetRecvBuffer

// ErrorSinkFunc is invoked whenever a Session operation fails.
// fatal indicates the failing call is about to return an error; the
// caller may retry the whole lifecycle (init/connect/start) or close.
type ErrorSinkFunc func(s *Session, fatal bool, message string)

// RecordSinkFunc is invoked once per dispatched record. The bytes
// behind rec are only valid for the duration of the call;
// implementations that need to retain data must copy them.
type RecordSinkFunc func(s *Session, rec Record)

type sessionState int

const (
	stateFresh sessionState = iota
	stateConnected
	stateStarted
	stateClosed
)

// Session is a single TCP connection to a dataset-specific gateway. It
// is created uninitialized (fresh), and moves through
// connected -> started -> closed. A Session is owned exclusively by
// its creator; sink callbacks borrow the reference but must not close
// it.
type Session struct {
	ID xid.ID

	errorSink  ErrorSinkFunc
	recordSink RecordSinkFunc
	userCtx    any

	mu    sync.Mutex
	state sessionState
	conn  net.Conn

	recvBufCap int
	ctrlReader *bufio.Reader
	reader     *framing.Reader

	log *logrus.Entry
}

// Init constructs a fresh Session bound to the given sinks. userCtx is
// carried unopinionated to whatever the caller wants to stash there;
// dbn never dereferences it.
func Init(errorSink ErrorSinkFunc, recordSink RecordSinkFunc, userCtx any) *Session {
	id := xid.New()
	return &Session{
		ID:         id,
		errorSink:  errorSink,
		recordSink: recordSink,
		userCtx:    userCtx,
		state:      stateFresh,
		log:        logrus.WithField("session", id.String()),
	}
}

// UserContext returns the opaque value passed to Init.
func (s *Session) UserContext() any { return s.userCtx }

func (s *Session) fail(op string, kind Kind, err error) error {
	e := newErr(op, kind, err)
	s.log.WithError(e).Error("session operation failed")
	if s.errorSink != nil {
		s.errorSink(s, true, e.Error())
	}
	return e
}

// Connect dials the dataset's gateway and runs the CRAM handshake:
// read the version line, read the CRAM challenge, send the digested
// auth line, and read the success/failure result. apiKey's last 5
// characters are used as the server-side routing bucket; tsOut
// controls whether the gateway annotates records with its own send
// timestamp.
func (s *Session) Connect(apiKey string, dataset wire.Dataset, tsOut bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateFresh {
		return s.fail("connect", KindProtocol, fmt.Errorf("session not in fresh state"))
	}

	addr := wire.GatewayAddr(dataset)
	conn, err := dialer(addr)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return s.fail("connect", KindResolution, err)
		}
		return s.fail("connect", KindTransport, err)
	}

	effective, err := recvBufSetter(conn)
	if err != nil {
		conn.Close()
		return s.fail("connect", KindAllocation, err)
	}
	if effective < sockopt.TargetRecvBuffer {
		conn.Close()
		return s.fail("connect", KindAllocation,
			fmt.Errorf("effective SO_RCVBUF %d below target %d", effective, sockopt.TargetRecvBuffer))
	}

	r := bufio.NewReader(conn)

	if err := wire.ReadVersionLine(r); err != nil {
		conn.Close()
		return s.fail("connect", KindProtocol, err)
	}

	cram, err := wire.ReadCramChallenge(r)
	if err != nil {
		conn.Close()
		return s.fail("connect", KindProtocol, err)
	}

	if _, err := wire.SendAuth(conn, cram, apiKey, dataset, tsOut); err != nil {
		conn.Close()
		return s.fail("connect", KindTransport, err)
	}

	if err := wire.ReadAuthResult(r); err != nil {
		conn.Close()
		return s.fail("connect", KindAuth, err)
	}

	s.conn = conn
	s.recvBufCap = effective
	s.ctrlReader = r
	s.state = stateConnected
	s.log.Info("session connected")
	return nil
}

// Start sends the subscribe lines for schema/symbology/symbols
// followed by start_session, reads the binary stream preamble, and
// prepares the framing reader. It does not itself read any records;
// call Get in a loop afterwards.
func (s *Session) Start(schema wire.Schema, stype wire.Stype, symbols []string, suffix string, replay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected {
		return s.fail("start", KindProtocol, fmt.Errorf("session not in connected state"))
	}

	for _, line := range wire.SubscribeLines(schema, stype, symbols, suffix, replay) {
		if _, err := fmt.Fprint(s.conn, line); err != nil {
			return s.fail("start", KindTransport, err)
		}
	}

	if _, err := fmt.Fprint(s.conn, wire.StartSessionLine); err != nil {
		return s.fail("start", KindTransport, err)
	}

	if err := wire.ReadStreamPreamble(s.ctrlReader); err != nil {
		if errors.Is(err, wire.ErrPeerClosed) {
			return s.fail("start", KindPeerClosed, err)
		}
		return s.fail("start", KindProtocol, err)
	}

	leftover := wire.DrainBuffered(s.ctrlReader)

	s.reader = framing.New(s.conn, s.recvBufCap, func(hdr framing.Header, raw []byte) {
		full := ParseHeader(raw)
		rec := DecodeRecord(full, raw)
		s.recordSink(s, rec)
	})
	if len(leftover) > 0 {
		if err := s.reader.SeedCarryOver(leftover); err != nil {
			return s.fail("start", KindAllocation, err)
		}
	}

	s.state = stateStarted
	s.log.Info("session started")
	return nil
}

// Get runs one framing-reader cycle (one read) and returns the number
// of records it dispatched to the record sink. It does not wait for a
// complete record: it returns 0 with no error when the read was
// interrupted or delivered only part of a record.
func (s *Session) Get() (int, error) {
	s.mu.Lock()
	reader := s.reader
	state := s.state
	s.mu.Unlock()

	if state != stateStarted {
		return 0, s.fail("get", KindProtocol, fmt.Errorf("session not started"))
	}

	n, err := reader.Get()
	if err != nil {
		kind := KindTransport
		if errors.Is(err, framing.ErrPeerClosed) || errors.Is(err, framing.ErrBadMessage) {
			if errors.Is(err, framing.ErrPeerClosed) {
				kind = KindPeerClosed
			} else {
				kind = KindProtocol
			}
		}
		return 0, s.fail("get", kind, err)
	}
	return n, nil
}

// Stats returns a snapshot of the session's framing-reader counters.
// Valid once Start has succeeded; returns the zero value before then.
func (s *Session) Stats() framing.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return framing.Stats{}
	}
	return s.reader.Stats()
}

// State returns a human-readable name for the session's current
// lifecycle state (fresh/connected/started/closed), exposed for
// pkg/metrics.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateFresh:
		return "fresh"
	case stateConnected:
		return "connected"
	case stateStarted:
		return "started"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close idempotently closes the underlying connection. It is safe to
// call after a failed Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	if s.conn != nil {
		err := s.conn.Close()
		s.log.Info("session closed")
		return err
	}
	return nil
}
