package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/catshadow/meshchat/internal/worker"
)

var (
	bucketMessages = []byte("messages") // (peer_id|counter) -> cbor(Message)
	bucketPending  = []byte("pending")  // (peer_id|counter) -> cbor(Message), out-of-order I4 buffer
	bucketPeers    = []byte("peers")    // peer_id -> cbor(PeerRecordEntry)
	bucketFiles    = []byte("files")    // file_id -> cbor(FileMetadata)
)

// Store is the CRDT message log, peer table and file index, backed by
// an embedded ordered KV store.
type Store struct {
	worker.Worker

	db  *bolt.DB
	log *log.Logger

	selfPeerID string

	eventCh   chan Message
	onMessage func(Message)
}

// Open creates or opens the log database at path.
func Open(path string, selfPeerID string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("crdt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketPending, bucketPeers, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:         db,
		selfPeerID: selfPeerID,
		log:        log.NewWithOptions(nil, log.Options{Prefix: "crdt"}),
		eventCh:    make(chan Message, 256),
	}, nil
}

// SetMessageHandler registers a callback invoked once per newly
// admitted message, asynchronously on the store's own worker
// goroutine so callers of AppendLocal/AdmitRemote are never blocked
// by a slow delegate.
func (s *Store) SetMessageHandler(fn func(Message)) {
	s.onMessage = fn
}

// Start launches the notification worker. Call once after
// SetMessageHandler.
func (s *Store) Start() {
	s.Go(s.notifyWorker)
}

func (s *Store) notifyWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case m := <-s.eventCh:
			if s.onMessage != nil {
				s.onMessage(m)
			}
		}
	}
}

func (s *Store) notify(m Message) {
	select {
	case s.eventCh <- m:
	default:
		s.log.Warnf("event queue full, dropping notification for %s/%d", m.PeerID, m.Counter)
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.Halt()
	s.Wait()
	return s.db.Close()
}

func messageKey(peerID string, counter uint32) []byte {
	key := make([]byte, len(peerID)+4)
	copy(key, peerID)
	binary.BigEndian.PutUint32(key[len(peerID):], counter)
	return key
}

func peerEntry(tx *bolt.Tx, peerID string) (PeerRecordEntry, error) {
	raw := tx.Bucket(bucketPeers).Get([]byte(peerID))
	if raw == nil {
		return PeerRecordEntry{PeerID: peerID}, nil
	}
	var e PeerRecordEntry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return PeerRecordEntry{}, err
	}
	return e, nil
}

func putPeerEntry(tx *bolt.Tx, e PeerRecordEntry) error {
	raw, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPeers).Put([]byte(e.PeerID), raw)
}

// AppendLocal mints a new message in our own sub-log: counter is our next expected counter, global_counter is
// one past the highest we have observed anywhere (I2).
func (s *Store) AppendLocal(payload []byte) (Message, error) {
	var msg Message
	id, err := uuid.NewV4()
	if err != nil {
		return msg, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		self, err := peerEntry(tx, s.selfPeerID)
		if err != nil {
			return err
		}
		msg = Message{
			ID:            id,
			PeerID:        s.selfPeerID,
			Counter:       self.ExpectCounter,
			GlobalCounter: self.LocalGlobalMax + 1,
			Payload:       payload,
		}
		raw, err := cbor.Marshal(msg)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Put(messageKey(msg.PeerID, msg.Counter), raw); err != nil {
			return err
		}
		self.ExpectCounter++
		self.LocalGlobalMax = msg.GlobalCounter
		return putPeerEntry(tx, self)
	})
	if err != nil {
		return Message{}, err
	}
	s.notify(msg)
	return msg, nil
}

// AdmitRemote applies invariants I1-I4 to a message received from a
// peer: it is admitted immediately if it continues that peer's
// prefix, buffered in the pending set if it arrives out of order, or
// dropped as a harmless duplicate if already admitted.
func (s *Store) AdmitRemote(msg Message) (admitted bool, err error) {
	var drained []Message
	err = s.db.Update(func(tx *bolt.Tx) error {
		entry, err := peerEntry(tx, msg.PeerID)
		if err != nil {
			return err
		}
		if msg.Counter < entry.ExpectCounter {
			return nil // duplicate of an already-immutable entry (I3)
		}
		if msg.Counter > entry.ExpectCounter {
			raw, err := cbor.Marshal(msg)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketPending).Put(messageKey(msg.PeerID, msg.Counter), raw)
		}

		if err := admitOne(tx, entry.PeerID, msg); err != nil {
			return err
		}
		entry.ExpectCounter++
		if msg.GlobalCounter > entry.LocalGlobalMax {
			entry.LocalGlobalMax = msg.GlobalCounter
		}
		drained = append(drained, msg)
		admitted = true

		pending := tx.Bucket(bucketPending)
		for {
			raw := pending.Get(messageKey(entry.PeerID, entry.ExpectCounter))
			if raw == nil {
				break
			}
			var next Message
			if err := cbor.Unmarshal(raw, &next); err != nil {
				return err
			}
			if err := admitOne(tx, entry.PeerID, next); err != nil {
				return err
			}
			if err := pending.Delete(messageKey(entry.PeerID, entry.ExpectCounter)); err != nil {
				return err
			}
			entry.ExpectCounter++
			if next.GlobalCounter > entry.LocalGlobalMax {
				entry.LocalGlobalMax = next.GlobalCounter
			}
			drained = append(drained, next)
		}

		bumpSelf, err := peerEntry(tx, s.selfPeerID)
		if err != nil {
			return err
		}
		if entry.LocalGlobalMax > bumpSelf.LocalGlobalMax {
			bumpSelf.LocalGlobalMax = entry.LocalGlobalMax
			if err := putPeerEntry(tx, bumpSelf); err != nil {
				return err
			}
		}
		return putPeerEntry(tx, entry)
	})
	if err != nil {
		return false, err
	}
	for _, m := range drained {
		s.notify(m)
	}
	return admitted, nil
}

func admitOne(tx *bolt.Tx, peerID string, msg Message) error {
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMessages).Put(messageKey(peerID, msg.Counter), raw)
}

// ExpectedCounter reports the next counter this store expects from
// peerID, for use in the sync engine's Compare exchange.
func (s *Store) ExpectedCounter(peerID string) (uint32, error) {
	var n uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		e, err := peerEntry(tx, peerID)
		if err != nil {
			return err
		}
		n = e.ExpectCounter
		return nil
	})
	return n, err
}

// MessagesFrom returns peerID's admitted messages with counter >= from,
// in counter order, for answering a Batch request.
func (s *Store) MessagesFrom(peerID string, from uint32) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		prefix := []byte(peerID)
		for k, v := c.Seek(messageKey(peerID, from)); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := cbor.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetAllMessages returns every admitted message across all peers,
// ordered by (global_counter, peer_id, counter).
func (s *Store) GetAllMessages() ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m Message
			if err := cbor.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// UpsertPeer records or updates a peer's table entry.
func (s *Store) UpsertPeer(e PeerRecordEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := peerEntry(tx, e.PeerID)
		if err != nil {
			return err
		}
		if e.ExpectCounter == 0 {
			e.ExpectCounter = existing.ExpectCounter
		}
		if e.LocalGlobalMax == 0 {
			e.LocalGlobalMax = existing.LocalGlobalMax
		}
		return putPeerEntry(tx, e)
	})
}

// GetPeer returns a peer's table entry.
func (s *Store) GetPeer(peerID string) (PeerRecordEntry, error) {
	var e PeerRecordEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = peerEntry(tx, peerID)
		return err
	})
	return e, err
}

// ListPeers returns every known peer table entry.
func (s *Store) ListPeers() ([]PeerRecordEntry, error) {
	var out []PeerRecordEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var e PeerRecordEntry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// PutFile indexes a file's metadata.
func (s *Store) PutFile(meta FileMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := cbor.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put(meta.FileID.Bytes(), raw)
	})
}

// GetFile looks up a file's metadata by ID.
func (s *Store) GetFile(fileID uuid.UUID) (*FileMetadata, error) {
	var meta *FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get(fileID.Bytes())
		if raw == nil {
			return nil
		}
		var m FileMetadata
		if err := cbor.Unmarshal(raw, &m); err != nil {
			return err
		}
		meta = &m
		return nil
	})
	return meta, err
}

// ListFiles returns every indexed file's metadata.
func (s *Store) ListFiles() ([]FileMetadata, error) {
	var out []FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var m FileMetadata
			if err := cbor.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}
