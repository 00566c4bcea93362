package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catshadow/meshchat/identity"
)

func handshakePair(t *testing.T) (*Session, *Session, *identity.Identity, *identity.Identity) {
	t.Helper()
	a, err := identity.Generate("alice")
	require.NoError(t, err)
	b, err := identity.Generate("bob")
	require.NoError(t, err)

	aRecord, err := a.ExportRecord(4001)
	require.NoError(t, err)
	bRecord, err := b.ExportRecord(4002)
	require.NoError(t, err)

	connA, connB := net.Pipe()

	type result struct {
		sess *Session
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		s, err := Handshake(connA, Initiator, a, aRecord, 4001, nil)
		initCh <- result{s, err}
	}()
	go func() {
		s, err := Handshake(connB, Responder, b, bRecord, 4002, nil)
		respCh <- result{s, err}
	}()

	ir := <-initCh
	rr := <-respCh
	require.NoError(t, ir.err)
	require.NoError(t, rr.err)
	return ir.sess, rr.sess, a, b
}

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	initSess, respSess, _, _ := handshakePair(t)
	defer initSess.Close()
	defer respSess.Close()

	require.Equal(t, "bob", initSess.PeerRecord.Name)
	require.Equal(t, "alice", respSess.PeerRecord.Name)

	done := make(chan error, 1)
	go func() {
		done <- initSess.WriteFrame([]byte("hello bob"))
	}()
	msg, err := respSess.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "hello bob", string(msg))

	go func() {
		done <- respSess.WriteFrame([]byte("hello alice"))
	}()
	msg, err = initSess.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "hello alice", string(msg))
}

func TestHandshakeRejectsRecordRefusedByCaller(t *testing.T) {
	a, err := identity.Generate("alice")
	require.NoError(t, err)
	mallory, err := identity.Generate("mallory")
	require.NoError(t, err)

	// Mallory signs a record honestly, but the caller's verify hook only
	// accepts a record named "expected-someone-else".
	malloryRecord, err := mallory.ExportRecord(1)
	require.NoError(t, err)

	connA, connB := net.Pipe()
	type result struct {
		err error
	}
	respCh := make(chan result, 1)
	go func() {
		_, err := Handshake(connB, Responder, mallory, malloryRecord, 1, nil)
		respCh <- result{err}
	}()

	_, err = Handshake(connA, Initiator, a, mustRecord(t, a, 2), 2, func(rec *identity.Record) bool {
		return rec.Name == "expected-someone-else"
	})
	require.Error(t, err)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	<-respCh
}

func mustRecord(t *testing.T, id *identity.Identity, port uint16) []byte {
	t.Helper()
	raw, err := id.ExportRecord(port)
	require.NoError(t, err)
	return raw
}
