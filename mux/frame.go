// Package mux is a Yamux-style multiplexer riding one
// wire.Session: it turns a single encrypted connection into many
// concurrent, independently-flow-controlled logical streams.
//
// The stream bookkeeping — per-stream read/write state, deadlines,
// flow-controlled windows, with one set of read/write/keepalive
// goroutines per Session rather than per stream — follows the
// shape of a single reliable stream client, adapted from one reliable
// stream per connection to many streams multiplexed over one
// underlying connection.
package mux

import (
	"encoding/binary"
	"fmt"
)

const (
	frameHeaderSize = 12
	protoVersion    = 0

	// DefaultWindow is the initial per-stream receive window
	// advertised by each endpoint.
	DefaultWindow = 256 * 1024

	// MaxChunk bounds a single DATA frame's payload so the writer can
	// round-robin fairly across streams.
	MaxChunk = 16 * 1024

	// KeepaliveTimeout is how long a PING may go unanswered before the
	// connection is closed.
	KeepaliveTimeout = 30
)

type frameType uint8

const (
	typeData frameType = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

type flags uint16

const (
	flagSYN flags = 1 << iota
	flagFIN
	flagRST
	flagACK
)

// frameHeader is the 12-byte Yamux-style header.
type frameHeader struct {
	version  uint8
	typ      frameType
	flags    flags
	streamID uint32
	length   uint32
}

func (h frameHeader) marshal() []byte {
	buf := make([]byte, frameHeaderSize)
	buf[0] = h.version
	buf[1] = uint8(h.typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.flags))
	binary.BigEndian.PutUint32(buf[4:8], h.streamID)
	binary.BigEndian.PutUint32(buf[8:12], h.length)
	return buf
}

func unmarshalHeader(buf []byte) (frameHeader, error) {
	if len(buf) < frameHeaderSize {
		return frameHeader{}, fmt.Errorf("mux: short frame header: %d bytes", len(buf))
	}
	return frameHeader{
		version:  buf[0],
		typ:      frameType(buf[1]),
		flags:    flags(binary.BigEndian.Uint16(buf[2:4])),
		streamID: binary.BigEndian.Uint32(buf[4:8]),
		length:   binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// encodeFrame builds one wire frame (header + payload) ready to be
// handed to the underlying FrameTransport.
func encodeFrame(h frameHeader, payload []byte) []byte {
	h.length = uint32(len(payload))
	buf := h.marshal()
	return append(buf, payload...)
}

func decodeFrame(raw []byte) (frameHeader, []byte, error) {
	h, err := unmarshalHeader(raw)
	if err != nil {
		return frameHeader{}, nil, err
	}
	if h.version != protoVersion {
		return frameHeader{}, nil, fmt.Errorf("mux: unsupported frame version %d", h.version)
	}
	body := raw[frameHeaderSize:]
	if uint32(len(body)) != h.length {
		return frameHeader{}, nil, fmt.Errorf("mux: length mismatch: header=%d body=%d", h.length, len(body))
	}
	return h, body, nil
}
