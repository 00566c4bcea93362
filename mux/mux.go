package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/catshadow/meshchat/internal/worker"
)

// FrameTransport is the minimal contract Session needs from the
// secure transport beneath it: send and receive one opaque framed
// message at a time. wire.Session satisfies this directly, so the
// multiplexer never imports package wire.
type FrameTransport interface {
	WriteFrame(plaintext []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Role determines stream ID parity: odd IDs are opened by the
// initiator, even by the responder.
type Role int

const (
	Initiator Role = iota
	Responder
)

var (
	// ErrSessionClosed is returned by OpenStream/AcceptStream once the
	// session has been torn down.
	ErrSessionClosed = errors.New("mux: session closed")
	// ErrKeepaliveTimeout indicates the peer did not answer a PING in
	// time.
	ErrKeepaliveTimeout = errors.New("mux: keepalive timeout")
)

// Session multiplexes many Streams over one FrameTransport.
type Session struct {
	worker.Worker

	transport FrameTransport
	role      Role
	log       *log.Logger

	mu        sync.Mutex
	streams   map[uint32]*Stream
	nextID    uint32
	closed    bool
	closeErr  error

	acceptCh chan *Stream
	writable chan uint32 // streamIDs with pending outbound data, at most once enqueued

	pingMu      sync.Mutex
	pingPending bool
	pingAt      time.Time

	onClose func(error)
}

// NewSession wraps transport in a multiplexer. Call Start to start the
// read/write/keepalive pumps.
func NewSession(transport FrameTransport, role Role, onClose func(error)) *Session {
	first := uint32(1)
	if role == Responder {
		first = 2
	}
	s := &Session{
		transport: transport,
		role:      role,
		log: log.NewWithOptions(nil, log.Options{
			ReportTimestamp: true,
			Prefix:          "mux",
		}),
		streams:  make(map[uint32]*Stream),
		nextID:   first,
		acceptCh: make(chan *Stream, 16),
		writable: make(chan uint32, 256),
		onClose:  onClose,
	}
	return s
}

// Start launches the session's background pumps. Must be called once.
func (s *Session) Start() {
	s.Go(s.readLoop)
	s.Go(s.writeLoop)
	s.Go(s.keepaliveLoop)
}

// RoleIsInitiator reports whether this session is the handshake
// initiator, used by connmgr's tie-break rule.
func (s *Session) RoleIsInitiator() bool { return s.role == Initiator }

func (s *Session) allocStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID += 2
	return id
}

// OpenStream creates a new outbound logical stream.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	id := s.allocStreamID()
	st := newStream(id, s, DefaultWindow)

	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()

	st.pendingSYN = true
	s.markWritable(id)
	return st, nil
}

// AcceptStream blocks until a peer opens a new inbound stream, or the
// session closes.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, ErrSessionClosed
		}
		return st, nil
	case <-s.HaltCh():
		return nil, ErrSessionClosed
	}
}

// Close gracefully tears down the session: it sends GO_AWAY, cancels
// all streams, and stops the pumps.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	_ = s.transport.WriteFrame(encodeFrame(frameHeader{typ: typeGoAway}, nil))

	for _, st := range streams {
		st.abort(ErrSessionClosed)
	}

	s.Halt()
	close(s.acceptCh)
	err := s.transport.Close()
	s.Wait()
	if s.onClose != nil {
		s.onClose(s.closeErr)
	}
	return err
}

func (s *Session) markWritable(id uint32) {
	select {
	case s.writable <- id:
	default:
		// Writer is already saturated with pending IDs; it will get to
		// this stream on its next pass since the stream stays in the
		// streams map with data queued.
	}
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) teardown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.abort(err)
	}
	s.Halt()
	_ = s.transport.Close()
	if s.onClose != nil {
		s.onClose(err)
	}
}

// readLoop dispatches inbound frames to the right stream, or handles
// them as session control frames.
func (s *Session) readLoop() {
	defer s.teardown(fmt.Errorf("mux: read loop exited"))
	for {
		raw, err := s.transport.ReadFrame()
		if err != nil {
			s.log.Debugf("read loop: %v", err)
			return
		}
		h, payload, err := decodeFrame(raw)
		if err != nil {
			s.log.Warnf("protocol violation, dropping connection: %v", err)
			return
		}

		switch h.typ {
		case typePing:
			s.handlePing(h)
		case typeGoAway:
			s.log.Debugf("received GO_AWAY")
			return
		case typeWindowUpdate:
			s.handleWindowUpdate(h, payload)
		case typeData:
			s.handleData(h, payload)
		default:
			s.log.Warnf("unknown frame type %d, dropping connection", h.typ)
			return
		}

		select {
		case <-s.HaltCh():
			return
		default:
		}
	}
}

func (s *Session) handlePing(h frameHeader) {
	if h.flags&flagACK != 0 {
		s.pingMu.Lock()
		s.pingPending = false
		s.pingMu.Unlock()
		return
	}
	_ = s.transport.WriteFrame(encodeFrame(frameHeader{typ: typePing, flags: flagACK}, nil))
}

func (s *Session) handleWindowUpdate(h frameHeader, payload []byte) {
	if len(payload) != 4 {
		return
	}
	delta := binary.BigEndian.Uint32(payload)
	s.mu.Lock()
	st := s.streams[h.streamID]
	s.mu.Unlock()
	if st != nil {
		st.grantSendWindow(delta)
		s.markWritable(st.id)
	}
}

func (s *Session) handleData(h frameHeader, payload []byte) {
	s.mu.Lock()
	st, ok := s.streams[h.streamID]
	if !ok {
		if h.flags&flagSYN == 0 {
			s.mu.Unlock()
			// DATA for an unknown, non-SYN stream: ignore (could be a
			// frame for a stream we just closed).
			return
		}
		st = newStream(h.streamID, s, DefaultWindow)
		s.streams[h.streamID] = st
		s.mu.Unlock()
		select {
		case s.acceptCh <- st:
		case <-s.HaltCh():
			return
		}
	} else {
		s.mu.Unlock()
	}

	st.onRemoteData(payload, h.flags)
}

// writeLoop round-robins over streams with pending outbound data,
// sending at most MaxChunk bytes per turn so no stream starves
// another.
func (s *Session) writeLoop() {
	pending := make(map[uint32]struct{})
	var order []uint32

	for {
		if len(order) == 0 {
			select {
			case id := <-s.writable:
				pending[id] = struct{}{}
				order = append(order, id)
			case <-s.HaltCh():
				return
			}
			continue
		}

		id := order[0]
		order = order[1:]
		delete(pending, id)

		s.mu.Lock()
		st := s.streams[id]
		s.mu.Unlock()
		if st == nil {
			continue
		}

		h, payload, hasMore, err := st.nextOutboundFrame()
		if err != nil {
			continue
		}
		if payload != nil || h.flags != 0 {
			if werr := s.transport.WriteFrame(encodeFrame(h, payload)); werr != nil {
				s.teardown(werr)
				return
			}
		}
		if hasMore {
			if _, ok := pending[id]; !ok {
				pending[id] = struct{}{}
				order = append(order, id)
			}
		}

		// Drain any newly-enqueued IDs without blocking so a single
		// active stream doesn't monopolize the loop indefinitely.
		for {
			select {
			case newID := <-s.writable:
				if _, ok := pending[newID]; !ok {
					pending[newID] = struct{}{}
					order = append(order, newID)
				}
				continue
			default:
			}
			break
		}

		select {
		case <-s.HaltCh():
			return
		default:
		}
	}
}

// keepaliveLoop sends a PING periodically and closes the connection
// if the peer does not answer within KeepaliveTimeout.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveTimeout * time.Second / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
			s.pingMu.Lock()
			alreadyPending := s.pingPending
			if alreadyPending && time.Since(s.pingAt) > KeepaliveTimeout*time.Second {
				s.pingMu.Unlock()
				s.teardown(ErrKeepaliveTimeout)
				return
			}
			if !alreadyPending {
				s.pingPending = true
				s.pingAt = time.Now()
			}
			s.pingMu.Unlock()
			if !alreadyPending {
				if err := s.transport.WriteFrame(encodeFrame(frameHeader{typ: typePing}, nil)); err != nil {
					s.teardown(err)
					return
				}
			}
		}
	}
}
