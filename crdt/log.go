// Package crdt implements the append-only per-peer message log: a
// conflict-free replicated log where each peer owns a contiguous,
// gap-free sub-log identified by a local counter, and a
// global_counter gives a total order across authors.
//
// Persistence is treated as a port: the log lives in a
// go.etcd.io/bbolt database and every write is committed synchronously
// by the caller; only the per-message notifications are fanned out to
// an async worker goroutine over a bounded channel.
package crdt

import (
	"time"

	"github.com/gofrs/uuid"
)

// Message is one entry in a peer's sub-log.
type Message struct {
	ID            uuid.UUID
	PeerID        string
	Counter       uint32
	GlobalCounter int64
	Timestamp     time.Time
	Payload       []byte
}

// Less orders messages by (global_counter, peer_id, counter), giving
// every peer's log a single total order.
func (m Message) Less(other Message) bool {
	if m.GlobalCounter != other.GlobalCounter {
		return m.GlobalCounter < other.GlobalCounter
	}
	if m.PeerID != other.PeerID {
		return m.PeerID < other.PeerID
	}
	return m.Counter < other.Counter
}

// FileMetadata indexes a file advertised or resolved over the mesh.
type FileMetadata struct {
	FileID   uuid.UUID
	Name     string
	Path     string // local on-disk path, set once this peer holds the bytes
	Size     int64
	Checksum [32]byte
	Owner    string // peer_id of the advertiser, "" once claimed locally
}

// PeerRecordEntry is the durable half of the peer table: the verified
// discovery record plus bookkeeping the sync engine needs across
// restarts.
type PeerRecordEntry struct {
	PeerID         string
	Name           string
	SigningPub     []byte
	KexPub         []byte
	LastSeenAddr   string
	LastSeenPort   uint16
	ExpectCounter  uint32 // next counter this peer's sub-log should admit
	LocalGlobalMax int64  // high-water mark used to mint our own global_counter (I2)
}
