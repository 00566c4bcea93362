package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewGeneratesIdentityAndRecord(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	raw, err := e.GetRecord()
	require.NoError(t, err)

	rec, err := e.VerifyRecord(raw)
	require.NoError(t, err)
	require.Equal(t, "alice", rec.Name)
}

func TestSendMessageAndGetAllMessages(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	_, err = e.SendMessage([]byte("hello"))
	require.NoError(t, err)
	_, err = e.SendMessage([]byte("world"))
	require.NoError(t, err)

	msgs, err := e.GetAllMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.EqualValues(t, 0, msgs[0].Counter)
	require.EqualValues(t, 1, msgs[1].Counter)
}

func TestSendMessageRejectsEmptyPayload(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	_, err = e.SendMessage(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewRejectsEmptyName(t *testing.T) {
	dir := t.TempDir()
	_, err := New("", dir, 0, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetFilePathNotFound(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	var zero [16]byte
	_, errLookup := e.GetFilePath(mustUUID(t, zero))
	require.ErrorIs(t, errLookup, ErrNotFound)
}

func TestSetFilePathRegistersExistingFile(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, writeFile(t, path, "hi"))

	id := newUUID(t)
	require.NoError(t, e.SetFilePath(id, "txt", path))
}

func TestSetFilePathRepeatIsNoOp(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, writeFile(t, path, "hi"))

	id := newUUID(t)
	require.NoError(t, e.SetFilePath(id, "txt", path))
	require.NoError(t, e.SetFilePath(id, "txt", path))
}

func TestSetFilePathConflictingPathRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := New("alice", dir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	path1 := filepath.Join(dir, "hello.txt")
	require.NoError(t, writeFile(t, path1, "hi"))
	path2 := filepath.Join(dir, "other.txt")
	require.NoError(t, writeFile(t, path2, "bye"))

	id := newUUID(t)
	require.NoError(t, e.SetFilePath(id, "txt", path1))
	err = e.SetFilePath(id, "txt", path2)
	require.ErrorIs(t, err, ErrConflict)
}
