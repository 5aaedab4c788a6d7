package dbn

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/databento/dbn-go/internal/sockopt"
	"github.com/databento/dbn-go/internal/wire"
)

// fakeGateway runs a minimal scripted gateway on a loopback listener:
// handshake, one subscribe line (ignored), start_session, preamble,
// then one DBN record before closing.
func fakeGateway(t *testing.T, apiKey string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)

		conn.Write([]byte("lsg_version=0.19.0\n"))
		conn.Write([]byte("cram=XYZ\n"))

		authLine, _ := r.ReadString('\n')
		sum := sha256.Sum256([]byte("XYZ|" + apiKey))
		wantDigest := hex.EncodeToString(sum[:])
		wantPrefix := "auth=" + wantDigest
		if len(authLine) < len(wantPrefix) || authLine[:len(wantPrefix)] != wantPrefix {
			conn.Write([]byte("success=0\n"))
			return
		}
		conn.Write([]byte("success=1\n"))

		// subscribe + start lines, ignored by this fake.
		_, _ = r.ReadString('\n')
		_, _ = r.ReadString('\n')

		hdr := make([]byte, 8)
		copy(hdr, []byte{'D', 'B', 'N', 1})
		binary.LittleEndian.PutUint32(hdr[4:], 0)
		conn.Write(hdr)

		rec := make([]byte, 16)
		rec[0] = 4 // rlength -> 16 bytes
		rec[1] = 0x17
		conn.Write(rec)

		time.Sleep(50 * time.Millisecond)
	}()

	return ln
}

func TestSession_ConnectStartGet(t *testing.T) {
	apiKey := "my_api_key12345"
	ln := fakeGateway(t, apiKey)
	defer ln.Close()

	origDialer := dialer
	origRecvBufSetter := recvBufSetter
	dialer = func(string) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	recvBufSetter = func(net.Conn) (int, error) { return sockopt.TargetRecvBuffer, nil }
	t.Cleanup(func() {
		dialer = origDialer
		recvBufSetter = origRecvBufSetter
	})

	var (
		mu      sync.Mutex
		records []byte
		errs    []string
	)
	s := Init(
		func(_ *Session, fatal bool, message string) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, message)
			_ = fatal
		},
		func(_ *Session, rec Record) {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, rec.Header().RType)
		},
		nil,
	)

	assert.NilError(t, s.Connect(apiKey, "OPRA.PILLAR", false))
	assert.Equal(t, s.State(), "connected")

	assert.NilError(t, s.Start("cmbp-1", "raw_symbol", nil, "", false))
	assert.Equal(t, s.State(), "started")

	n, err := s.Get()
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.DeepEqual(t, records, []byte{0x17})
	assert.Equal(t, len(errs), 0)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, KindAuth.String(), "auth")
	assert.Equal(t, KindPeerClosed.String(), "peer_closed")
}

func TestWireGatewayAddr(t *testing.T) {
	assert.Equal(t, wire.GatewayAddr("GLBX.MDP3"), "GLBX-MDP3.lsg.databento.com:13000")
}
