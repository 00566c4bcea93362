package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeCompareRoundTrip(t *testing.T) {
	env := Envelope{CompareRequest: &CompareRequest{Have: []CounterEntry{
		{PeerID: "alice", Counter: 3},
		{PeerID: "bob", Counter: 0},
	}}}
	raw, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	require.NotNil(t, got.CompareRequest)
	require.Equal(t, env.CompareRequest.Have, got.CompareRequest.Have)
}

func TestEnvelopeBatchMessageResponseRoundTrip(t *testing.T) {
	env := Envelope{BatchMessageResponse: &BatchMessageResponse{
		Messages: []WireMessage{
			{ID: []byte{1, 2, 3}, PeerID: "alice", Counter: 0, GlobalCounter: 1, Payload: []byte("hi")},
			{ID: []byte{4, 5, 6}, PeerID: "alice", Counter: 1, GlobalCounter: 2, Payload: []byte("there")},
		},
		Descriptor: &PeerDescriptor{PeerID: "alice", Name: "Alice", SigningPub: []byte("sig"), KexPub: []byte("kex")},
	}}
	raw, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	require.NotNil(t, got.BatchMessageResponse)
	require.Len(t, got.BatchMessageResponse.Messages, 2)
	require.Equal(t, "alice", got.BatchMessageResponse.Descriptor.PeerID)
	require.Equal(t, env.BatchMessageResponse.Messages[1].Payload, got.BatchMessageResponse.Messages[1].Payload)
}

func TestEnvelopeFileDownloadResponseRoundTrip(t *testing.T) {
	env := Envelope{FileDownloadResponse: &FileDownloadResponse{
		Chunk:     []byte("some bytes"),
		LastChunk: true,
		Ext:       "png",
	}}
	raw, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	require.NotNil(t, got.FileDownloadResponse)
	require.Equal(t, "some bytes", string(got.FileDownloadResponse.Chunk))
	require.True(t, got.FileDownloadResponse.LastChunk)
	require.Equal(t, "png", got.FileDownloadResponse.Ext)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var pv *ProtocolViolationError
	require.ErrorAs(t, err, &pv)
}

func TestEnvelopeMarshalRequiresExactlyOneVariant(t *testing.T) {
	_, err := Envelope{}.Marshal()
	require.Error(t, err)

	_, err = Envelope{
		CompareRequest:  &CompareRequest{},
		CompareResponse: &CompareResponse{},
	}.Marshal()
	require.Error(t, err)
}
