// Package sync is the Sync Engine: it drives the
// periodic Compare/Batch exchange that converges two peers' CRDT
// logs, and resolves file wants.
//
// Each connected peer is serviced by its own goroutine so peers never
// block one another; within one peer's goroutine, at most one Compare
// exchange is ever in flight, enforced by the inFlight set below.
package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gofrs/uuid"

	"github.com/catshadow/meshchat/connmgr"
	"github.com/catshadow/meshchat/crdt"
	"github.com/catshadow/meshchat/internal/worker"
	"github.com/catshadow/meshchat/mux"
	"github.com/catshadow/meshchat/proto"
)

// Interval is the period between sync sweeps.
const Interval = 5 * time.Second

// Engine periodically compares and backfills the local CRDT log
// against every connected peer.
type Engine struct {
	worker.Worker

	store      *crdt.Store
	manager    *connmgr.Manager
	selfPeerID string
	log        *log.Logger

	mu        sync.Mutex
	inFlight  map[string]bool
	wantFiles map[string]string // file_id -> preferred peer_id, "" for any

	onExchange      func()
	onFileAvailable func(fileID, peerID string)
}

// New creates a sync Engine over store, driving exchanges through
// manager's live connections.
func New(store *crdt.Store, manager *connmgr.Manager, selfPeerID string) *Engine {
	return &Engine{
		store:      store,
		manager:    manager,
		selfPeerID: selfPeerID,
		log:        log.NewWithOptions(nil, log.Options{Prefix: "sync"}),
		inFlight:   make(map[string]bool),
		wantFiles:  make(map[string]string),
	}
}

// SetExchangeHook registers a callback invoked once per completed
// Compare/Batch round, e.g. to feed a metrics counter.
func (e *Engine) SetExchangeHook(fn func()) {
	e.onExchange = fn
}

// SetFileAvailableHook registers a callback invoked once a peer
// confirms, via FileWantResponse, that it holds a wanted file. The
// caller (the engine facade) drives the actual byte transfer and
// clears the want once it succeeds.
func (e *Engine) SetFileAvailableHook(fn func(fileID, peerID string)) {
	e.onFileAvailable = fn
}

// WantFile records fileID as wanted: every following sweep advertises
// it in a FileWantRequest to peerID, or to any connected peer if
// peerID is empty. The want persists until UnwantFile clears it.
func (e *Engine) WantFile(fileID uuid.UUID, peerID string) {
	e.mu.Lock()
	e.wantFiles[fileID.String()] = peerID
	e.mu.Unlock()
}

// UnwantFile clears a previously registered want, e.g. once the file
// has been fully retrieved.
func (e *Engine) UnwantFile(fileID uuid.UUID) {
	e.mu.Lock()
	delete(e.wantFiles, fileID.String())
	e.mu.Unlock()
}

func (e *Engine) wantedFor(peerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for fileID, want := range e.wantFiles {
		if want == "" || want == peerID {
			ids = append(ids, fileID)
		}
	}
	return ids
}

// Start launches the periodic sweep.
func (e *Engine) Start() {
	e.Go(e.loop)
}

func (e *Engine) loop() {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.HaltCh():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	for _, pc := range e.manager.List() {
		e.dispatch(pc)
	}
}

// Kick triggers an immediate Compare/Batch/FileWant round with peerID,
// instead of waiting for the next periodic sweep. The engine facade
// calls this right after a peer's connection comes up.
func (e *Engine) Kick(peerID string) {
	pc, ok := e.manager.Get(peerID)
	if !ok {
		return
	}
	e.dispatch(pc)
}

// dispatch runs one exchange round against pc on its own goroutine,
// unless one is already in flight for that peer.
func (e *Engine) dispatch(pc *connmgr.PeerConn) {
	e.mu.Lock()
	if e.inFlight[pc.PeerID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[pc.PeerID] = true
	e.mu.Unlock()

	e.Go(func() {
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, pc.PeerID)
			e.mu.Unlock()
		}()
		if err := e.exchangeWith(pc); err != nil {
			e.log.Debugf("sync exchange with %s: %v", pc.PeerID, err)
		} else if e.onExchange != nil {
			e.onExchange()
		}
		if err := e.fileWantExchange(pc); err != nil {
			e.log.Debugf("file want exchange with %s: %v", pc.PeerID, err)
		}
	})
}

// exchangeWith runs one full Compare -> Batch round against pc.
func (e *Engine) exchangeWith(pc *connmgr.PeerConn) error {
	have, err := e.localCounters()
	if err != nil {
		return err
	}

	st, err := pc.Mux.OpenStream()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := proto.WriteEnvelope(st, proto.Envelope{CompareRequest: &proto.CompareRequest{Have: have}}); err != nil {
		return fmt.Errorf("send compare request: %w", err)
	}
	env, err := proto.ReadEnvelope(st)
	if err != nil {
		return fmt.Errorf("read compare response: %w", err)
	}
	if env.CompareResponse == nil {
		return fmt.Errorf("expected CompareResponse, got something else")
	}

	for _, peerID := range env.CompareResponse.PeerIDsWithMore {
		if err := e.batchFrom(pc, peerID); err != nil {
			e.log.Warnf("batch from %s via %s: %v", peerID, pc.PeerID, err)
		}
	}
	return nil
}

// batchFrom fetches and admits messages for peerID from pc, one
// stream per peer so a slow peer never blocks another.
func (e *Engine) batchFrom(pc *connmgr.PeerConn, peerID string) error {
	myCounter, err := e.store.ExpectedCounter(peerID)
	if err != nil {
		return err
	}

	st, err := pc.Mux.OpenStream()
	if err != nil {
		return err
	}
	defer st.Close()

	req := proto.Envelope{BatchMessageRequest: &proto.BatchMessageRequest{PeerID: peerID, MyCounter: myCounter}}
	if err := proto.WriteEnvelope(st, req); err != nil {
		return err
	}
	env, err := proto.ReadEnvelope(st)
	if err != nil {
		return err
	}
	if env.BatchMessageResponse == nil {
		return fmt.Errorf("expected BatchMessageResponse")
	}

	for _, wm := range env.BatchMessageResponse.Messages {
		msg := wireToMessage(wm)
		if _, err := e.store.AdmitRemote(msg); err != nil {
			return fmt.Errorf("admit %s/%d: %w", msg.PeerID, msg.Counter, err)
		}
	}
	if d := env.BatchMessageResponse.Descriptor; d != nil {
		_ = e.store.UpsertPeer(crdt.PeerRecordEntry{
			PeerID:     d.PeerID,
			Name:       d.Name,
			SigningPub: d.SigningPub,
			KexPub:     d.KexPub,
		})
	}
	return nil
}

// fileWantExchange advertises every file currently wanted from pc (or
// wanted from any peer) and, for each one pc confirms holding, invokes
// the file-available hook so the caller can start the actual transfer.
func (e *Engine) fileWantExchange(pc *connmgr.PeerConn) error {
	ids := e.wantedFor(pc.PeerID)
	if len(ids) == 0 {
		return nil
	}

	st, err := pc.Mux.OpenStream()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := proto.WriteEnvelope(st, proto.Envelope{FileWantRequest: &proto.FileWantRequest{FileIDs: ids}}); err != nil {
		return fmt.Errorf("send file want request: %w", err)
	}
	env, err := proto.ReadEnvelope(st)
	if err != nil {
		return fmt.Errorf("read file want response: %w", err)
	}
	if env.FileWantResponse == nil {
		return fmt.Errorf("expected FileWantResponse, got something else")
	}

	for _, fileID := range env.FileWantResponse.FileIDs {
		if e.onFileAvailable != nil {
			e.onFileAvailable(fileID, pc.PeerID)
		}
	}
	return nil
}

func (e *Engine) localCounters() ([]proto.CounterEntry, error) {
	peers, err := e.store.ListPeers()
	if err != nil {
		return nil, err
	}
	self, err := e.store.GetPeer(e.selfPeerID)
	if err != nil {
		return nil, err
	}
	have := []proto.CounterEntry{{PeerID: e.selfPeerID, Counter: self.ExpectCounter}}
	for _, p := range peers {
		if p.PeerID == e.selfPeerID {
			continue
		}
		have = append(have, proto.CounterEntry{PeerID: p.PeerID, Counter: p.ExpectCounter})
	}
	return have, nil
}

func wireToMessage(wm proto.WireMessage) crdt.Message {
	id, _ := uuid.FromBytes(wm.ID)
	return crdt.Message{
		ID:            id,
		PeerID:        wm.PeerID,
		Counter:       wm.Counter,
		GlobalCounter: wm.GlobalCounter,
		Timestamp:     time.Unix(wm.TimestampUnix, 0),
		Payload:       wm.Payload,
	}
}

// ServeEnvelope answers a CompareRequest, BatchMessageRequest, or
// FileWantRequest already read from an accepted stream. It reports
// whether it recognized and handled the variant; the engine layer
// handles FileDownload itself since that needs access to the file
// blob directory.
func (e *Engine) ServeEnvelope(st *mux.Stream, env proto.Envelope) bool {
	switch {
	case env.CompareRequest != nil:
		e.serveCompare(st, env.CompareRequest)
		return true
	case env.BatchMessageRequest != nil:
		e.serveBatch(st, env.BatchMessageRequest)
		return true
	case env.FileWantRequest != nil:
		e.serveFileWant(st, env.FileWantRequest)
		return true
	default:
		return false
	}
}

// serveFileWant answers a FileWantRequest with the subset of the
// requested file_ids this peer actually holds bytes for locally.
func (e *Engine) serveFileWant(st *mux.Stream, req *proto.FileWantRequest) {
	var have []string
	for _, idStr := range req.FileIDs {
		fileID, err := uuid.FromString(idStr)
		if err != nil {
			continue
		}
		meta, err := e.store.GetFile(fileID)
		if err != nil || meta == nil || meta.Path == "" {
			continue
		}
		have = append(have, idStr)
	}
	_ = proto.WriteEnvelope(st, proto.Envelope{FileWantResponse: &proto.FileWantResponse{FileIDs: have}})
}

func (e *Engine) serveCompare(st *mux.Stream, req *proto.CompareRequest) {
	var more []string
	for _, entry := range req.Have {
		mine, err := e.store.ExpectedCounter(entry.PeerID)
		if err != nil {
			continue
		}
		if mine > entry.Counter {
			more = append(more, entry.PeerID)
		}
	}
	_ = proto.WriteEnvelope(st, proto.Envelope{CompareResponse: &proto.CompareResponse{PeerIDsWithMore: more}})
}

func (e *Engine) serveBatch(st *mux.Stream, req *proto.BatchMessageRequest) {
	msgs, err := e.store.MessagesFrom(req.PeerID, req.MyCounter)
	if err != nil {
		e.log.Warnf("serveBatch: %v", err)
		return
	}
	wireMsgs := make([]proto.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		wireMsgs = append(wireMsgs, proto.WireMessage{
			ID:            m.ID.Bytes(),
			PeerID:        m.PeerID,
			Counter:       m.Counter,
			GlobalCounter: m.GlobalCounter,
			TimestampUnix: m.Timestamp.Unix(),
			Payload:       m.Payload,
		})
	}
	var descriptor *proto.PeerDescriptor
	if entry, err := e.store.GetPeer(req.PeerID); err == nil && entry.PeerID != "" {
		descriptor = &proto.PeerDescriptor{
			PeerID:     entry.PeerID,
			Name:       entry.Name,
			SigningPub: entry.SigningPub,
			KexPub:     entry.KexPub,
		}
	}
	_ = proto.WriteEnvelope(st, proto.Envelope{BatchMessageResponse: &proto.BatchMessageResponse{
		Messages:   wireMsgs,
		Descriptor: descriptor,
	}})
}
