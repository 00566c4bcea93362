package mux

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

type streamState int32

const (
	stateOpening streamState = iota
	stateEstablished
	stateLocalClosed  // we sent FIN, peer may still send data
	stateRemoteClosed // peer sent FIN, we may still send
	stateClosed
)

// Stream is one logical, flow-controlled byte stream multiplexed over
// a Session: read/write with blocking backpressure, a window that the
// reader side credits back via control frames, riding DATA and
// WINDOW_UPDATE frames instead of a bespoke ARQ.
type Stream struct {
	id      uint32
	session *Session

	mu    sync.Mutex
	cond  *sync.Cond
	state streamState

	pendingSYN bool
	finSent    bool

	sendWindow uint32 // bytes we are still permitted to send
	outBuf     bytes.Buffer

	recvWindow      uint32 // bytes we have told the peer they may still send
	recvWindowUsed  uint32 // bytes received and not yet credited back
	recvWindowAvail uint32 // bytes the peer may still send before a WINDOW_UPDATE is required
	inBuf           bytes.Buffer
	remoteClosed    bool

	readDeadline  time.Time
	writeDeadline time.Time

	abortErr error
}

func newStream(id uint32, session *Session, window uint32) *Stream {
	st := &Stream{
		id:              id,
		session:         session,
		state:           stateOpening,
		sendWindow:      window,
		recvWindow:      window,
		recvWindowAvail: window,
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream's multiplex identifier.
func (s *Stream) ID() uint32 { return s.id }

// Write blocks until at least part of p has been queued for sending,
// respecting the peer's advertised window.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed || s.state == stateLocalClosed {
		return 0, io.ErrClosedPipe
	}

	total := 0
	for len(p) > 0 {
		for s.outBuf.Len() > 0 && s.state != stateClosed {
			if !s.waitWritable() {
				return total, s.writeWaitErr()
			}
		}
		if s.state == stateClosed || s.state == stateLocalClosed {
			return total, io.ErrClosedPipe
		}
		s.outBuf.Write(p)
		total += len(p)
		p = nil
		s.session.markWritable(s.id)
	}
	return total, nil
}

func (s *Stream) waitWritable() bool {
	done := make(chan struct{})
	var timedOut bool
	if !s.writeDeadline.IsZero() {
		d := time.Until(s.writeDeadline)
		if d <= 0 {
			return false
		}
		timer := time.AfterFunc(d, func() {
			timedOut = true
			s.cond.Broadcast()
			close(done)
		})
		defer timer.Stop()
	}
	s.cond.Wait()
	select {
	case <-done:
		return !timedOut
	default:
		return true
	}
}

func (s *Stream) writeWaitErr() error {
	if s.abortErr != nil {
		return s.abortErr
	}
	return errTimeout
}

// Read blocks until data is available, the stream is closed by the
// peer, or the read deadline elapses.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.inBuf.Len() == 0 {
		if s.remoteClosed || s.state == stateClosed {
			if s.abortErr != nil {
				return 0, s.abortErr
			}
			return 0, io.EOF
		}
		if !s.waitReadable() {
			if s.abortErr != nil {
				return 0, s.abortErr
			}
			return 0, errTimeout
		}
	}
	n, _ := s.inBuf.Read(p)
	s.recvWindowUsed += uint32(n)
	s.maybeCreditWindow()
	return n, nil
}

func (s *Stream) waitReadable() bool {
	done := make(chan struct{})
	var timedOut bool
	if !s.readDeadline.IsZero() {
		d := time.Until(s.readDeadline)
		if d <= 0 {
			return false
		}
		timer := time.AfterFunc(d, func() {
			timedOut = true
			s.cond.Broadcast()
			close(done)
		})
		defer timer.Stop()
	}
	s.cond.Wait()
	select {
	case <-done:
		return !timedOut
	default:
		return true
	}
}

// maybeCreditWindow sends a WINDOW_UPDATE once the consumer has freed
// at least half the advertised window, mirroring yamux's credit
// strategy to avoid a control frame per byte.
func (s *Stream) maybeCreditWindow() {
	if s.recvWindowUsed < s.recvWindow/2 {
		return
	}
	delta := s.recvWindowUsed
	s.recvWindowUsed = 0
	s.recvWindowAvail += delta
	go s.sendWindowUpdate(delta)
}

func (s *Stream) sendWindowUpdate(delta uint32) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], delta)
	h := frameHeader{typ: typeWindowUpdate, streamID: s.id}
	_ = s.session.transport.WriteFrame(encodeFrame(h, payload[:]))
}

// SetReadDeadline and SetWriteDeadline bound Read/Write respectively.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// Close sends FIN (if not already sent) and releases local resources.
// It does not wait for the peer's own FIN.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case stateOpening, stateEstablished:
		s.state = stateLocalClosed
	case stateRemoteClosed:
		s.state = stateClosed
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.session.markWritable(s.id)
	if s.state == stateClosed {
		s.session.removeStream(s.id)
	}
	return nil
}

// abort forcibly terminates the stream, e.g. because the session is
// tearing down or sent a RST.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	s.state = stateClosed
	s.remoteClosed = true
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.session.removeStream(s.id)
}

// onRemoteData is invoked by the session's read loop when a DATA frame
// for this stream arrives.
func (s *Stream) onRemoteData(payload []byte, fl flags) {
	s.mu.Lock()
	if fl&flagRST != 0 {
		s.state = stateClosed
		s.remoteClosed = true
		s.abortErr = errReset
		s.cond.Broadcast()
		s.mu.Unlock()
		s.session.removeStream(s.id)
		return
	}
	if uint32(len(payload)) > s.recvWindowAvail {
		s.state = stateClosed
		s.remoteClosed = true
		s.abortErr = errWindowOverrun
		s.cond.Broadcast()
		s.mu.Unlock()
		s.session.removeStream(s.id)
		return
	}
	if len(payload) > 0 {
		s.recvWindowAvail -= uint32(len(payload))
		s.inBuf.Write(payload)
	}
	if s.state == stateOpening {
		s.state = stateEstablished
	}
	if fl&flagFIN != 0 {
		s.remoteClosed = true
		if s.state == stateLocalClosed {
			s.state = stateClosed
		} else {
			s.state = stateRemoteClosed
		}
	}
	done := s.state == stateClosed
	s.cond.Broadcast()
	s.mu.Unlock()
	if done {
		s.session.removeStream(s.id)
	}
}

// grantSendWindow is invoked when a WINDOW_UPDATE frame credits us
// more room to send.
func (s *Stream) grantSendWindow(delta uint32) {
	s.mu.Lock()
	s.sendWindow += delta
	s.cond.Broadcast()
	s.mu.Unlock()
}

// nextOutboundFrame is called by the session's single writer goroutine
// when this stream's turn in the round-robin comes up. It returns at
// most MaxChunk bytes, bounded by the peer's advertised window, plus
// whatever control flags (SYN/FIN) are due, and whether the stream
// still has data queued after this frame.
func (s *Stream) nextOutboundFrame() (frameHeader, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := frameHeader{streamID: s.id, typ: typeData}
	if s.pendingSYN {
		h.flags |= flagSYN
		s.pendingSYN = false
	}

	n := s.outBuf.Len()
	if n > MaxChunk {
		n = MaxChunk
	}
	if uint32(n) > s.sendWindow {
		n = int(s.sendWindow)
	}

	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		_, _ = s.outBuf.Read(payload)
		s.sendWindow -= uint32(n)
		s.cond.Broadcast()
	}

	wantFIN := (s.state == stateLocalClosed) && s.outBuf.Len() == 0 && !s.finSent
	if wantFIN {
		h.flags |= flagFIN
		s.finSent = true
	}

	hasMore := s.outBuf.Len() > 0 && s.sendWindow > 0

	if len(payload) == 0 && h.flags == 0 {
		return h, nil, hasMore, errNothingToSend
	}
	return h, payload, hasMore, nil
}
