// Package connmgr is the Connection Manager: it keeps
// one live connection per known peer, dials outbound on new discovery
// records, accepts inbound, and retries a failed dial with bounded
// exponential backoff. A connection that fails after it was
// established is removed and reported through onLost; the manager does
// not redial it on its own, only on the next DialPeer call for that
// peer.
//
// One goroutine per peer owns that peer's dial attempts and backoff
// state, driven by worker.Worker. Poison expiry is driven by a single
// shared internal/timerqueue.TimerQueue rather than a timer per peer.
package connmgr

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/catshadow/meshchat/identity"
	"github.com/catshadow/meshchat/internal/timerqueue"
	"github.com/catshadow/meshchat/internal/worker"
	"github.com/catshadow/meshchat/mux"
	"github.com/catshadow/meshchat/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 30 * time.Second
	poisonWindow   = 60 * time.Second
)

// PeerConn bundles an established secure session with its multiplexer.
type PeerConn struct {
	PeerID string
	Record *identity.Record
	Wire   *wire.Session
	Mux    *mux.Session
}

// Manager owns every live and pending connection.
type Manager struct {
	worker.Worker

	self     *identity.Identity
	selfRec  []byte
	port     uint16
	log      *log.Logger
	listener net.Listener

	mu          sync.Mutex
	conns       map[string]*PeerConn
	dialing     map[string]bool
	poisonedTil map[string]time.Time
	poisonQ     *timerqueue.TimerQueue

	onConnect func(*PeerConn)
	onLost    func(peerID string)
}

// New creates a Manager. selfRecord is the caller's exported, signed
// discovery record (identity.Identity.ExportRecord), sent during every
// handshake.
func New(self *identity.Identity, selfRecord []byte, port uint16, onConnect func(*PeerConn), onLost func(peerID string)) *Manager {
	m := &Manager{
		self:        self,
		selfRec:     selfRecord,
		port:        port,
		log:         log.NewWithOptions(nil, log.Options{Prefix: "connmgr"}),
		conns:       make(map[string]*PeerConn),
		dialing:     make(map[string]bool),
		poisonedTil: make(map[string]time.Time),
		onConnect:   onConnect,
		onLost:      onLost,
	}
	m.poisonQ = timerqueue.New(m.onPoisonExpired)
	m.poisonQ.Start()
	return m
}

// Listen starts accepting inbound connections on addr.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.listener = ln
	m.Go(m.acceptLoop)
	return nil
}

// Close stops accepting connections and tears down every peer
// connection.
func (m *Manager) Close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	conns := make([]*PeerConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Mux.Close()
	}
	m.poisonQ.Halt()
	m.Halt()
	m.Wait()
	return nil
}

// Poisoned reports whether peerID is in its peer-local backoff window
// after a failed outbound handshake or a keepalive timeout.
func (m *Manager) Poisoned(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.poisonedTil[peerID]
	return ok && time.Now().Before(until)
}

// ClearPoison lifts a peer's poisoned state, e.g. on a fresh discovery
// re-announcement.
func (m *Manager) ClearPoison(peerID string) {
	m.mu.Lock()
	delete(m.poisonedTil, peerID)
	m.mu.Unlock()
}

// Connected reports whether peerID currently has a live connection.
func (m *Manager) Connected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[peerID]
	return ok
}

// Get returns the live connection for peerID, if any.
func (m *Manager) Get(peerID string) (*PeerConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	return c, ok
}

// List returns every currently connected peer.
func (m *Manager) List() []*PeerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerConn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// DialPeer ensures a connection attempt to peerID@addr is in flight,
// unless one is already connected, already dialing, or the peer is
// currently poisoned.
func (m *Manager) DialPeer(peerID, addr string, expected *identity.Record) {
	m.mu.Lock()
	if m.conns[peerID] != nil || m.dialing[peerID] {
		m.mu.Unlock()
		return
	}
	if until, ok := m.poisonedTil[peerID]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		return
	}
	m.dialing[peerID] = true
	m.mu.Unlock()

	m.Go(func() { m.dialWorker(peerID, addr, expected) })
}

func (m *Manager) dialWorker(peerID, addr string, expected *identity.Record) {
	defer func() {
		m.mu.Lock()
		delete(m.dialing, peerID)
		m.mu.Unlock()
	}()

	backoff := backoffInitial
	for {
		select {
		case <-m.HaltCh():
			return
		default:
		}

		if m.Connected(peerID) {
			return
		}

		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err == nil {
			pc, err := m.establish(conn, mux.Initiator, expected)
			if err == nil {
				m.register(pc)
				return
			}
			m.log.Warnf("handshake with %s failed: %v", peerID, err)
			m.poison(peerID)
		} else {
			m.log.Debugf("dial %s (%s) failed: %v", peerID, addr, err)
		}

		select {
		case <-m.HaltCh():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (m *Manager) poison(peerID string) {
	until := time.Now().Add(poisonWindow)
	m.mu.Lock()
	m.poisonedTil[peerID] = until
	m.mu.Unlock()
	m.poisonQ.Push(uint64(until.UnixNano()), peerID)
}

// onPoisonExpired lifts peerID's poisoned state once its window has
// elapsed, unless a later poison has since superseded it.
func (m *Manager) onPoisonExpired(v interface{}) {
	peerID := v.(string)
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.poisonedTil[peerID]; ok && !time.Now().Before(until) {
		delete(m.poisonedTil, peerID)
	}
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.HaltCh():
				return
			default:
			}
			m.log.Warnf("accept: %v", err)
			return
		}
		m.Go(func() { m.handleInbound(conn) })
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	pc, err := m.establish(conn, mux.Responder, nil)
	if err != nil {
		m.log.Warnf("inbound handshake failed: %v", err)
		conn.Close()
		return
	}
	m.register(pc)
}

func (m *Manager) establish(conn net.Conn, role mux.Role, expected *identity.Record) (*PeerConn, error) {
	wireRole := wire.Initiator
	if role == mux.Responder {
		wireRole = wire.Responder
	}
	var verify func(*identity.Record) bool
	if expected != nil {
		verify = func(rec *identity.Record) bool { return rec.Equal(expected) }
	}
	sess, err := wire.Handshake(conn, wireRole, m.self, m.selfRec, m.port, verify)
	if err != nil {
		conn.Close()
		return nil, err
	}
	pc := &PeerConn{
		PeerID: identity.RecordID(sess.PeerRecord),
		Record: sess.PeerRecord,
		Wire:   sess,
	}
	pc.Mux = mux.NewSession(sess, role, func(err error) { m.onSessionClosed(pc.PeerID, err) })
	pc.Mux.Start()
	return pc, nil
}

func (m *Manager) register(pc *PeerConn) {
	m.mu.Lock()
	existing, ok := m.conns[pc.PeerID]
	if ok {
		// Tie-break: keep whichever connection has the
		// peer with the lexicographically greater peer_id acting as
		// initiator; drop the other.
		keepNew := pc.Mux.RoleIsInitiator() == (m.self.ID() > pc.PeerID)
		if !keepNew {
			m.mu.Unlock()
			pc.Mux.Close()
			return
		}
		m.mu.Unlock()
		existing.Mux.Close()
		m.mu.Lock()
	}
	m.conns[pc.PeerID] = pc
	m.mu.Unlock()

	if m.onConnect != nil {
		m.onConnect(pc)
	}
}

func (m *Manager) onSessionClosed(peerID string, err error) {
	m.mu.Lock()
	delete(m.conns, peerID)
	m.mu.Unlock()
	if errors.Is(err, mux.ErrKeepaliveTimeout) {
		m.poison(peerID)
	}
	if m.onLost != nil {
		m.onLost(peerID)
	}
}
