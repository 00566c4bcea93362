package mux

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeTransport is a bare length-prefixed FrameTransport over
// net.Pipe, standing in for wire.Session (which is tested on its own
// in package wire) so mux can be exercised without crypto overhead.
type pipeTransport struct {
	conn net.Conn
}

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

func newSessionPair() (*Session, *Session) {
	connA, connB := net.Pipe()
	a := NewSession(&pipeTransport{connA}, Initiator, nil)
	b := NewSession(&pipeTransport{connB}, Responder, nil)
	a.Start()
	b.Start()
	return a, b
}

func TestOpenAcceptStreamRoundTrip(t *testing.T) {
	a, b := newSessionPair()
	defer a.Close()
	defer b.Close()

	st, err := a.OpenStream()
	require.NoError(t, err)
	require.Equal(t, uint32(1), st.ID())

	msg := []byte("hello from initiator")
	go func() {
		_, werr := st.Write(msg)
		require.NoError(t, werr)
	}()

	accepted, err := b.AcceptStream()
	require.NoError(t, err)
	require.Equal(t, uint32(1), accepted.ID())

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

func TestStreamIDParityByRole(t *testing.T) {
	a, b := newSessionPair()
	defer a.Close()
	defer b.Close()

	aStream, err := a.OpenStream()
	require.NoError(t, err)
	require.Equal(t, uint32(1), aStream.ID())

	bStream, err := b.OpenStream()
	require.NoError(t, err)
	require.Equal(t, uint32(2), bStream.ID())
}

func TestStreamCloseSendsFIN(t *testing.T) {
	a, b := newSessionPair()
	defer a.Close()
	defer b.Close()

	st, err := a.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	accepted, err := b.AcceptStream()
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, "bye", string(buf))

	// No more data should follow: a Read past the FIN returns EOF.
	accepted.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := accepted.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestFlowControlCreditsWindow(t *testing.T) {
	a, b := newSessionPair()
	defer a.Close()
	defer b.Close()

	st, err := a.OpenStream()
	require.NoError(t, err)
	st.mu.Lock()
	st.sendWindow = 8
	st.mu.Unlock()

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		_, werr := st.Write(payload)
		done <- werr
	}()

	accepted, err := b.AcceptStream()
	require.NoError(t, err)
	accepted.mu.Lock()
	accepted.recvWindow = 8
	accepted.mu.Unlock()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(accepted, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-done)
}

func TestOnRemoteDataAbortsOnWindowOverrun(t *testing.T) {
	a, b := newSessionPair()
	defer a.Close()
	defer b.Close()

	st, err := a.OpenStream()
	require.NoError(t, err)

	accepted, err := b.AcceptStream()
	require.NoError(t, err)
	accepted.mu.Lock()
	accepted.recvWindow = 8
	accepted.recvWindowAvail = 8
	accepted.mu.Unlock()

	// Bypass the session's own window-respecting writer and hand the
	// stream more than its advertised window directly, simulating a
	// peer that ignores WINDOW_UPDATE accounting.
	accepted.onRemoteData(make([]byte, 9), 0)

	accepted.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = accepted.Read(make([]byte, 1))
	require.ErrorIs(t, err, errWindowOverrun)

	_, err = st.Write([]byte("x"))
	require.NoError(t, err)
}
