package identity

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndID(t *testing.T) {
	id, err := Generate("alice")
	require.NoError(t, err)
	require.Len(t, id.ID(), 64) // hex of a 32-byte ed25519 public key
}

func TestRecordRoundTrip(t *testing.T) {
	id, err := Generate("alice")
	require.NoError(t, err)

	raw, err := id.ExportRecord(6364)
	require.NoError(t, err)

	rec, err := VerifyRecord(raw)
	require.NoError(t, err)
	require.Equal(t, "alice", rec.Name)
	require.Equal(t, uint16(6364), rec.Port)

	raw2, err := id.ExportRecord(6364)
	require.NoError(t, err)
	rec2, err := VerifyRecord(raw2)
	require.NoError(t, err)
	require.True(t, rec.Equal(rec2))
}

func TestVerifyRecordRejectsForgery(t *testing.T) {
	a, err := Generate("alice")
	require.NoError(t, err)
	b, err := Generate("mallory")
	require.NoError(t, err)

	raw, err := a.ExportRecord(1)
	require.NoError(t, err)

	// Splice in b's signing key but keep a's signature: the claimed
	// public key no longer matches whoever actually signed.
	forged := append([]byte(nil), raw...)
	copy(forged[2+len("alice"):2+len("alice")+32], b.signingPublic)

	_, err = VerifyRecord(forged)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestVerifyRecordRejectsTruncated(t *testing.T) {
	id, err := Generate("alice")
	require.NoError(t, err)
	raw, err := id.ExportRecord(1)
	require.NoError(t, err)

	_, err = VerifyRecord(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestExportRecordRejectsLongName(t *testing.T) {
	id, err := Generate(string(make([]byte, MaxNameLen+1)))
	require.NoError(t, err)
	_, err = id.ExportRecord(1)
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestLoadOrGenerateReusesIdentity(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerate(dir, "alice")
	require.NoError(t, err)

	b, err := LoadOrGenerate(dir, "alice")
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
}

func TestLoadMissingReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "alice")
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}
