package sync

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/catshadow/meshchat/connmgr"
	"github.com/catshadow/meshchat/crdt"
	"github.com/catshadow/meshchat/mux"
	"github.com/catshadow/meshchat/proto"
)

// pipeTransport is a bare length-prefixed mux.FrameTransport over
// net.Pipe, the same stand-in mux's own tests use so this package can
// be exercised without wire's crypto overhead.
type pipeTransport struct{ conn net.Conn }

func (p *pipeTransport) WriteFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := p.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := p.conn.Write(payload)
	return err
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *pipeTransport) Close() error { return p.conn.Close() }

func newPeerConnPair(t *testing.T) (*connmgr.PeerConn, *connmgr.PeerConn) {
	t.Helper()
	connA, connB := net.Pipe()
	sessA := mux.NewSession(&pipeTransport{connA}, mux.Initiator, nil)
	sessB := mux.NewSession(&pipeTransport{connB}, mux.Responder, nil)
	sessA.Start()
	sessB.Start()
	t.Cleanup(func() { sessA.Close(); sessB.Close() })
	return &connmgr.PeerConn{PeerID: "bob", Mux: sessA}, &connmgr.PeerConn{PeerID: "alice", Mux: sessB}
}

func openStore(t *testing.T, selfID string) *crdt.Store {
	t.Helper()
	store, err := crdt.Open(filepath.Join(t.TempDir(), "log.bolt"), selfID)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

// runBobServeFileWant accepts exactly one stream on bobConn and serves
// whatever FileWantRequest arrives on it.
func runBobServeFileWant(t *testing.T, bob *Engine, bobConn *connmgr.PeerConn) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		st, err := bobConn.Mux.AcceptStream()
		if err != nil {
			return
		}
		defer st.Close()
		env, err := proto.ReadEnvelope(st)
		require.NoError(t, err)
		require.NotNil(t, env.FileWantRequest)
		bob.serveFileWant(st, env.FileWantRequest)
	}()
	return done
}

// TestFileWantExchangeResolvesAvailableFile exercises the full
// FileWantRequest/FileWantResponse round trip: alice wants a file, bob
// has it registered locally, and alice's exchange should learn bob can
// serve it and invoke the file-available hook.
func TestFileWantExchangeResolvesAvailableFile(t *testing.T) {
	aliceStore := openStore(t, "alice")
	bobStore := openStore(t, "bob")

	fileID := newUUID(t)
	require.NoError(t, bobStore.PutFile(crdt.FileMetadata{
		FileID: fileID,
		Name:   fileID.String() + ".txt",
		Path:   filepath.Join(t.TempDir(), "present.txt"),
		Size:   3,
	}))

	aliceConn, bobConn := newPeerConnPair(t)

	alice := New(aliceStore, nil, "alice")
	bob := New(bobStore, nil, "bob")

	var resolved string
	alice.SetFileAvailableHook(func(gotFileID, peerID string) {
		resolved = gotFileID
	})

	done := runBobServeFileWant(t, bob, bobConn)

	alice.WantFile(fileID, "bob")
	require.NoError(t, alice.fileWantExchange(aliceConn))
	<-done

	require.Equal(t, fileID.String(), resolved)
}

// TestFileWantExchangeOmitsUnregisteredFile confirms a peer only
// confirms file_ids it actually holds bytes for; a file_id it never
// registered should not trigger the file-available hook.
func TestFileWantExchangeOmitsUnregisteredFile(t *testing.T) {
	aliceStore := openStore(t, "alice")
	bobStore := openStore(t, "bob")

	unknownID := newUUID(t)

	aliceConn, bobConn := newPeerConnPair(t)

	alice := New(aliceStore, nil, "alice")
	bob := New(bobStore, nil, "bob")

	hookCalled := false
	alice.SetFileAvailableHook(func(gotFileID, peerID string) {
		hookCalled = true
	})

	done := runBobServeFileWant(t, bob, bobConn)

	alice.WantFile(unknownID, "bob")
	require.NoError(t, alice.fileWantExchange(aliceConn))
	<-done

	require.False(t, hookCalled)
}

// TestWantFileUnwantFileRoundTrip checks the want set bookkeeping
// itself: a cleared want no longer shows up in wantedFor.
func TestWantFileUnwantFileRoundTrip(t *testing.T) {
	store := openStore(t, "alice")
	e := New(store, nil, "alice")

	fileID := newUUID(t)
	e.WantFile(fileID, "bob")
	require.Contains(t, e.wantedFor("bob"), fileID.String())

	e.UnwantFile(fileID)
	require.NotContains(t, e.wantedFor("bob"), fileID.String())
}
