package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxEnvelopeLen = 64 * 1024 * 1024

// WriteEnvelope writes one length-prefixed Envelope to w. Each
// mux.Stream carries exactly one such exchange, so a
// single length prefix per direction is enough; FileDownloadResponse
// streams send several envelopes back to back and rely on the
// last_chunk field rather than stream closure to mark the end.
func WriteEnvelope(w io.Writer, env Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadEnvelope reads one length-prefixed Envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEnvelopeLen {
		return Envelope{}, &ProtocolViolationError{Err: fmt.Errorf("envelope too large: %d", n)}
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Envelope{}, err
	}
	return UnmarshalEnvelope(raw)
}
