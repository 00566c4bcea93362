// Package engine is the Engine API: the single
// host-facing type wiring identity, the CRDT store, the connection
// manager, discovery, and the sync engine together.
//
// The delegate/event-sink shape — a host registers one callback,
// events are queued and delivered asynchronously so a slow host never
// blocks the network stack — follows the same contract a plugin
// host's Event push exposes to its plugins, generalized here to a
// bounded, oldest-drop queue.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/catshadow/meshchat/connmgr"
	"github.com/catshadow/meshchat/crdt"
	"github.com/catshadow/meshchat/discovery"
	"github.com/catshadow/meshchat/identity"
	"github.com/catshadow/meshchat/internal/worker"
	"github.com/catshadow/meshchat/mux"
	"github.com/catshadow/meshchat/proto"
	"github.com/catshadow/meshchat/sync"
)

const eventQueueSize = 256

// EventKind distinguishes the two delegate events.
type EventKind int

const (
	MessageAdmitted EventKind = iota
	PeerChanged
)

// Event is delivered to the host's delegate callback.
type Event struct {
	Kind    EventKind
	Message crdt.Message
	Peer    crdt.PeerRecordEntry
}

// Peer is a host-facing summary of a known peer.
type Peer struct {
	PeerID    string
	Name      string
	Connected bool
}

// Engine is the top-level façade over the whole mesh stack.
type Engine struct {
	worker.Worker

	cfg   *Config
	self  *identity.Identity
	store *crdt.Store
	conns *connmgr.Manager
	disc  *discovery.Discovery
	syncE *sync.Engine
	log   *log.Logger

	filesDir   string
	metrics    *metrics
	metricsReg *prometheus.Registry

	delegate func(Event)
	eventCh  chan Event
}

// New constructs an Engine for name, persisting/loading identity and
// log state under rootPath, listening (once RunServer is called) on
// port. reg is the registry its Prometheus metrics are registered on;
// a nil reg disables metric collection for this Engine. Engines that
// share a process (e.g. two-peer test harnesses) each need a nil or a
// registry of their own, since one registry cannot hold two Engines'
// identically-named metrics at once.
func New(name, rootPath string, port uint16, reg *prometheus.Registry) (*Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}
	if err := os.MkdirAll(rootPath, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	self, err := identity.LoadOrGenerate(rootPath, name)
	if err != nil {
		return nil, fmt.Errorf("%w: identity: %v", ErrInternal, err)
	}

	store, err := crdt.Open(filepath.Join(rootPath, "log.bolt"), self.ID())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}

	filesDir := filepath.Join(rootPath, "files")
	if err := os.MkdirAll(filesDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e := &Engine{
		cfg:        &Config{Name: name, RootPath: rootPath, Port: port},
		self:       self,
		store:      store,
		filesDir:   filesDir,
		metrics:    newMetrics(reg),
		metricsReg: reg,
		log:        log.NewWithOptions(nil, log.Options{Prefix: "engine"}),
		eventCh:    make(chan Event, eventQueueSize),
	}

	selfRecord, err := self.ExportRecord(port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.conns = connmgr.New(self, selfRecord, port, e.onPeerConnected, e.onPeerLost)
	e.syncE = sync.New(store, e.conns, self.ID())
	e.syncE.SetExchangeHook(e.metrics.syncExchanges.Inc)
	e.syncE.SetFileAvailableHook(e.onFileAvailable)
	e.disc = discovery.New(e.onDiscoveryEvent)

	store.SetMessageHandler(func(m crdt.Message) {
		e.metrics.messagesAdmitted.Inc()
		e.publish(Event{Kind: MessageAdmitted, Message: m})
	})
	return e, nil
}

// SetDelegate registers the host's event callback. Events queue and are delivered on the engine's own
// goroutine; the oldest event is dropped if the host falls behind.
func (e *Engine) SetDelegate(cb func(Event)) {
	e.delegate = cb
}

func (e *Engine) publish(ev Event) {
	select {
	case e.eventCh <- ev:
	default:
		select {
		case <-e.eventCh:
		default:
		}
		select {
		case e.eventCh <- ev:
		default:
		}
	}
}

func (e *Engine) deliverEvents() {
	for {
		select {
		case <-e.HaltCh():
			return
		case ev := <-e.eventCh:
			if e.delegate != nil {
				e.delegate(ev)
			}
		}
	}
}

// SetPeer injects a known peer out-of-band,
// e.g. from a QR code or manually exchanged address, without waiting
// for mDNS discovery.
func (e *Engine) SetPeer(name, addr string, recordBytes []byte) error {
	rec, err := identity.VerifyRecord(recordBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	peerID := identity.RecordID(rec)
	if err := e.store.UpsertPeer(crdt.PeerRecordEntry{
		PeerID:       peerID,
		Name:         name,
		SigningPub:   rec.SigningPub,
		KexPub:       rec.KexPub[:],
		LastSeenAddr: addr,
		LastSeenPort: rec.Port,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.conns.DialPeer(peerID, fmt.Sprintf("%s:%d", addr, rec.Port), rec)
	return nil
}

// SendMessage appends a new message to the local log: payload carries the application-level encoding of
// {text, file_id, reply_id, mentions}, already serialized by the
// caller.
func (e *Engine) SendMessage(payload []byte) (crdt.Message, error) {
	if len(payload) == 0 {
		return crdt.Message{}, fmt.Errorf("%w: payload must not be empty", ErrInvalidArgument)
	}
	msg, err := e.store.AppendLocal(payload)
	if err != nil {
		return crdt.Message{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return msg, nil
}

// ResolveFile schedules retrieval of file_id from peerID, or from any
// connected peer if peerID is empty. It first tries every currently
// connected candidate directly; if none can serve it right now, the
// file_id is added to the sync engine's wanted set so subsequent
// FileWant exchanges keep retrying as peers come and go.
func (e *Engine) ResolveFile(fileID uuid.UUID, peerID string) error {
	candidates := e.conns.List()
	if peerID != "" {
		pc, ok := e.conns.Get(peerID)
		if !ok {
			e.syncE.WantFile(fileID, peerID)
			return fmt.Errorf("%w: peer %s not connected", ErrPeerUnreachable, peerID)
		}
		candidates = []*connmgr.PeerConn{pc}
	}
	if len(candidates) == 0 {
		e.syncE.WantFile(fileID, peerID)
		return fmt.Errorf("%w: no connected peers", ErrPeerUnreachable)
	}

	var lastErr error
	for _, pc := range candidates {
		if err := e.downloadFrom(pc, fileID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	e.syncE.WantFile(fileID, peerID)
	return fmt.Errorf("%w: %v", ErrNotFound, lastErr)
}

// WantFile marks fileID as wanted without an immediate synchronous
// attempt: the sync engine advertises it in its next FileWant exchange
// with peerID (or any connected peer, if peerID is empty) and keeps
// retrying until it is resolved.
func (e *Engine) WantFile(fileID uuid.UUID, peerID string) {
	e.syncE.WantFile(fileID, peerID)
}

// onFileAvailable is invoked by the sync engine once a peer confirms
// holding a wanted file; it drives the actual byte transfer and clears
// the want on success.
func (e *Engine) onFileAvailable(fileIDStr, peerID string) {
	fileID, err := uuid.FromString(fileIDStr)
	if err != nil {
		return
	}
	pc, ok := e.conns.Get(peerID)
	if !ok {
		return
	}
	if err := e.downloadFrom(pc, fileID); err != nil {
		e.log.Debugf("download %s from %s: %v", fileID, peerID, err)
		return
	}
	e.syncE.UnwantFile(fileID)
}

func (e *Engine) downloadFrom(pc *connmgr.PeerConn, fileID uuid.UUID) error {
	st, err := pc.Mux.OpenStream()
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetReadDeadline(time.Now().Add(15 * time.Second))

	return fetchFile(st, fileID, e.filesDir, e.store)
}

// GetFilePath returns the local path for a previously resolved file.
func (e *Engine) GetFilePath(fileID uuid.UUID) (string, error) {
	meta, err := e.store.GetFile(fileID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	if meta == nil {
		return "", ErrNotFound
	}
	path := meta.Path
	if path == "" {
		path = filepath.Join(e.filesDir, fileID.String())
		if meta.Name != "" {
			path += filepath.Ext(meta.Name)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// SetFilePath registers a file already present on disk as available
// for this file_id. Calling it again with the same path is a no-op;
// calling it with a different path for a fileID already registered is
// a conflict, since a file_id must resolve to a single set of bytes
// (P6).
func (e *Engine) SetFilePath(fileID uuid.UUID, ext, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	existing, err := e.store.GetFile(fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	if existing != nil {
		if existing.Path == path {
			return nil
		}
		return fmt.Errorf("%w: file %s already registered at %s", ErrConflict, fileID, existing.Path)
	}

	if err := e.store.PutFile(crdt.FileMetadata{
		FileID: fileID,
		Name:   fileID.String() + "." + ext,
		Path:   path,
		Size:   info.Size(),
		Owner:  "",
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// GetAllMessages returns every admitted message, totally ordered.
func (e *Engine) GetAllMessages() ([]crdt.Message, error) {
	msgs, err := e.store.GetAllMessages()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	return msgs, nil
}

// GetPeers lists every known peer with its live connection status.
func (e *Engine) GetPeers() ([]Peer, error) {
	entries, err := e.store.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	out := make([]Peer, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Peer{
			PeerID:    entry.PeerID,
			Name:      entry.Name,
			Connected: e.conns.Connected(entry.PeerID),
		})
	}
	return out, nil
}

// GetRecord returns this engine's own signed discovery record bytes.
func (e *Engine) GetRecord() ([]byte, error) {
	raw, err := e.self.ExportRecord(e.cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return raw, nil
}

// VerifyRecord validates a record's signature.
func (e *Engine) VerifyRecord(raw []byte) (*identity.Record, error) {
	rec, err := identity.VerifyRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return rec, nil
}

// RunServer starts accepting inbound connections and discovery
// advertising/browsing, and blocks until the engine is shut down.
func (e *Engine) RunServer(ctx context.Context) error {
	e.Go(e.deliverEvents)
	e.store.Start()

	if err := e.conns.Listen(fmt.Sprintf(":%d", e.cfg.Port)); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	selfRecord, _ := e.self.ExportRecord(e.cfg.Port)
	if err := e.disc.Advertise(e.self.Name, int(e.cfg.Port), selfRecord); err != nil {
		e.log.Warnf("discovery advertise failed: %v", err)
	}
	if err := e.disc.Browse(ctx); err != nil {
		e.log.Warnf("discovery browse failed: %v", err)
	}

	<-ctx.Done()
	return e.Shutdown()
}

// RunLoop starts the periodic sync ticker and blocks until ctx is
// canceled.
func (e *Engine) RunLoop(ctx context.Context) error {
	e.syncE.Start()
	<-ctx.Done()
	return nil
}

// Shutdown stops accepting, cancels the sync ticker, sends GO_AWAY on
// every connection, flushes pending admissions, and returns once every
// background task has exited.
func (e *Engine) Shutdown() error {
	e.disc.Stop()
	if err := e.conns.Close(); err != nil {
		e.log.Warnf("connmgr close: %v", err)
	}
	e.syncE.Halt()
	e.syncE.Wait()
	e.Halt()
	e.Wait()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// StartMetrics launches the optional Prometheus HTTP endpoint at addr
// in the background, until ctx is canceled. It is a no-op if this
// Engine was constructed with a nil registry. The caller decides
// whether to call this based on its own config.Metrics.Enabled.
func (e *Engine) StartMetrics(ctx context.Context, addr string) {
	if e.metricsReg == nil {
		e.log.Warnf("metrics server: no registry configured, not starting")
		return
	}
	e.Go(func() {
		if err := serveMetrics(ctx, addr, e.metricsReg); err != nil {
			e.log.Warnf("metrics server: %v", err)
		}
	})
}

func (e *Engine) onPeerConnected(pc *connmgr.PeerConn) {
	_ = e.store.UpsertPeer(crdt.PeerRecordEntry{
		PeerID:     pc.PeerID,
		Name:       pc.Record.Name,
		SigningPub: pc.Record.SigningPub,
		KexPub:     pc.Record.KexPub[:],
	})
	e.metrics.peersConnected.Inc()
	e.publish(Event{Kind: PeerChanged, Peer: crdt.PeerRecordEntry{PeerID: pc.PeerID, Name: pc.Record.Name}})
	e.Go(func() { e.serveStreams(pc) })
	e.syncE.Kick(pc.PeerID)
}

func (e *Engine) serveStreams(pc *connmgr.PeerConn) {
	for {
		st, err := pc.Mux.AcceptStream()
		if err != nil {
			return
		}
		st.SetReadDeadline(time.Now().Add(15 * time.Second))
		e.Go(func() { e.serveOneStream(st) })
	}
}

func (e *Engine) serveOneStream(st *mux.Stream) {
	defer st.Close()
	env, err := proto.ReadEnvelope(st)
	if err != nil {
		e.log.Debugf("serve stream: decode: %v", err)
		return
	}
	if e.syncE.ServeEnvelope(st, env) {
		return
	}
	if env.FileDownloadRequest != nil {
		if err := serveFileDownload(st, e.store, e.filesDir, env.FileDownloadRequest); err != nil {
			e.log.Debugf("serve file download: %v", err)
		}
		return
	}
	e.log.Debugf("serve stream: unhandled envelope variant")
}

func (e *Engine) onPeerLost(peerID string) {
	e.metrics.peersConnected.Dec()
	e.publish(Event{Kind: PeerChanged, Peer: crdt.PeerRecordEntry{PeerID: peerID}})
}

func (e *Engine) onDiscoveryEvent(ev discovery.Event) {
	if ev.Added == nil {
		return
	}
	seen := ev.Added
	if seen.PeerID == e.self.ID() {
		return
	}
	_ = e.store.UpsertPeer(crdt.PeerRecordEntry{
		PeerID:       seen.PeerID,
		SigningPub:   seen.Record.SigningPub,
		KexPub:       seen.Record.KexPub[:],
		LastSeenAddr: seen.Addr,
		LastSeenPort: seen.Port,
	})
	if !e.conns.Poisoned(seen.PeerID) {
		e.conns.DialPeer(seen.PeerID, fmt.Sprintf("%s:%d", seen.Addr, seen.Port), seen.Record)
	}
}
