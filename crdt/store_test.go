package crdt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, self string) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "log.bolt"), self)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendLocalAdvancesCounters(t *testing.T) {
	s := openTestStore(t, "alice")
	m1, err := s.AppendLocal([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 0, m1.Counter)
	require.EqualValues(t, 1, m1.GlobalCounter)

	m2, err := s.AppendLocal([]byte("world"))
	require.NoError(t, err)
	require.EqualValues(t, 1, m2.Counter)
	require.EqualValues(t, 2, m2.GlobalCounter)
}

func TestAdmitRemoteInOrder(t *testing.T) {
	s := openTestStore(t, "bob")
	admitted, err := s.AdmitRemote(Message{PeerID: "alice", Counter: 0, GlobalCounter: 1, Payload: []byte("hi")})
	require.NoError(t, err)
	require.True(t, admitted)

	expect, err := s.ExpectedCounter("alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, expect)
}

func TestAdmitRemoteBuffersOutOfOrderThenDrains(t *testing.T) {
	s := openTestStore(t, "bob")

	admitted, err := s.AdmitRemote(Message{PeerID: "alice", Counter: 2, GlobalCounter: 3, Payload: []byte("c")})
	require.NoError(t, err)
	require.False(t, admitted, "out-of-order message must be buffered, not admitted")

	expect, err := s.ExpectedCounter("alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, expect)

	admitted, err = s.AdmitRemote(Message{PeerID: "alice", Counter: 0, GlobalCounter: 1, Payload: []byte("a")})
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = s.AdmitRemote(Message{PeerID: "alice", Counter: 1, GlobalCounter: 2, Payload: []byte("b")})
	require.NoError(t, err)
	require.True(t, admitted)

	expect, err = s.ExpectedCounter("alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, expect, "admitting counter 1 must drain the buffered counter 2 (I4 prefix)")

	msgs, err := s.MessagesFrom("alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestAdmitRemoteDuplicateIsIgnored(t *testing.T) {
	s := openTestStore(t, "bob")
	_, err := s.AdmitRemote(Message{PeerID: "alice", Counter: 0, GlobalCounter: 1, Payload: []byte("a")})
	require.NoError(t, err)

	admitted, err := s.AdmitRemote(Message{PeerID: "alice", Counter: 0, GlobalCounter: 1, Payload: []byte("a")})
	require.NoError(t, err)
	require.False(t, admitted)
}

func TestGetAllMessagesOrdering(t *testing.T) {
	s := openTestStore(t, "carol")
	_, err := s.AppendLocal([]byte("first"))
	require.NoError(t, err)
	_, err = s.AdmitRemote(Message{PeerID: "alice", Counter: 0, GlobalCounter: 0, Payload: []byte("before")})
	require.NoError(t, err)

	all, err := s.GetAllMessages()
	require.NoError(t, err)
	require.Len(t, all, 2)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].Less(all[i]) || !all[i].Less(all[i-1]))
	}
}
