package proto

import "google.golang.org/protobuf/encoding/protowire"

// CounterEntry is one "I have counter C for peer P" tuple.
type CounterEntry struct {
	PeerID  string
	Counter uint32
}

func (e CounterEntry) marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.PeerID)
	b = appendUint32(b, 2, e.Counter)
	return b
}

func unmarshalCounterEntry(raw []byte) (CounterEntry, error) {
	var e CounterEntry
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.PeerID)
		case 2:
			return consumeUint32(typ, b, &e.Counter)
		default:
			return skip(typ, b)
		}
	})
	return e, err
}

// CompareRequest summarizes the caller's per-peer counters.
type CompareRequest struct {
	Have []CounterEntry
}

func (m CompareRequest) Marshal() []byte {
	var b []byte
	for _, e := range m.Have {
		b = appendMessage(b, 1, e.marshal())
	}
	return b
}

func UnmarshalCompareRequest(raw []byte) (CompareRequest, error) {
	var m CompareRequest
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(typ, b)
		}
		sub, n, err := consumeSubMessage(typ, b)
		if err != nil {
			return 0, err
		}
		e, err := unmarshalCounterEntry(sub)
		if err != nil {
			return 0, err
		}
		m.Have = append(m.Have, e)
		return n, nil
	})
	return m, err
}

// CompareResponse lists peers for which the responder has more.
type CompareResponse struct {
	PeerIDsWithMore []string
}

func (m CompareResponse) Marshal() []byte {
	var b []byte
	for _, id := range m.PeerIDsWithMore {
		b = appendString(b, 1, id)
	}
	return b
}

func UnmarshalCompareResponse(raw []byte) (CompareResponse, error) {
	var m CompareResponse
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(typ, b)
		}
		var s string
		n, err := consumeString(typ, b, &s)
		if err != nil {
			return 0, err
		}
		m.PeerIDsWithMore = append(m.PeerIDsWithMore, s)
		return n, nil
	})
	return m, err
}

// BatchMessageRequest asks for peer_id's messages starting at my_counter.
type BatchMessageRequest struct {
	PeerID    string
	MyCounter uint32
}

func (m BatchMessageRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PeerID)
	b = appendUint32(b, 2, m.MyCounter)
	return b
}

func UnmarshalBatchMessageRequest(raw []byte) (BatchMessageRequest, error) {
	var m BatchMessageRequest
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.PeerID)
		case 2:
			return consumeUint32(typ, b, &m.MyCounter)
		default:
			return skip(typ, b)
		}
	})
	return m, err
}

// WireMessage is one crdt.Message serialized onto the wire.
type WireMessage struct {
	ID            []byte
	PeerID        string
	Counter       uint32
	GlobalCounter int64
	TimestampUnix int64
	Payload       []byte
}

func (m WireMessage) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.ID)
	b = appendString(b, 2, m.PeerID)
	b = appendUint32(b, 3, m.Counter)
	b = appendInt64(b, 4, m.GlobalCounter)
	b = appendInt64(b, 5, m.TimestampUnix)
	b = appendBytesField(b, 6, m.Payload)
	return b
}

func unmarshalWireMessage(raw []byte) (WireMessage, error) {
	var m WireMessage
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytesField(typ, b, &m.ID)
		case 2:
			return consumeString(typ, b, &m.PeerID)
		case 3:
			return consumeUint32(typ, b, &m.Counter)
		case 4:
			return consumeInt64(typ, b, &m.GlobalCounter)
		case 5:
			return consumeInt64(typ, b, &m.TimestampUnix)
		case 6:
			return consumeBytesField(typ, b, &m.Payload)
		default:
			return skip(typ, b)
		}
	})
	return m, err
}

// PeerDescriptor accompanies a BatchMessageResponse so the receiver
// can learn a peer it has not yet verified a record for.
type PeerDescriptor struct {
	PeerID     string
	Name       string
	SigningPub []byte
	KexPub     []byte
}

func (d PeerDescriptor) marshal() []byte {
	var b []byte
	b = appendString(b, 1, d.PeerID)
	b = appendString(b, 2, d.Name)
	b = appendBytesField(b, 3, d.SigningPub)
	b = appendBytesField(b, 4, d.KexPub)
	return b
}

func unmarshalPeerDescriptor(raw []byte) (PeerDescriptor, error) {
	var d PeerDescriptor
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &d.PeerID)
		case 2:
			return consumeString(typ, b, &d.Name)
		case 3:
			return consumeBytesField(typ, b, &d.SigningPub)
		case 4:
			return consumeBytesField(typ, b, &d.KexPub)
		default:
			return skip(typ, b)
		}
	})
	return d, err
}

// BatchMessageResponse answers a BatchMessageRequest.
type BatchMessageResponse struct {
	Messages   []WireMessage
	Descriptor *PeerDescriptor
}

func (m BatchMessageResponse) Marshal() []byte {
	var b []byte
	for _, wm := range m.Messages {
		b = appendMessage(b, 1, wm.marshal())
	}
	if m.Descriptor != nil {
		b = appendMessage(b, 2, m.Descriptor.marshal())
	}
	return b
}

func UnmarshalBatchMessageResponse(raw []byte) (BatchMessageResponse, error) {
	var m BatchMessageResponse
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			sub, n, err := consumeSubMessage(typ, b)
			if err != nil {
				return 0, err
			}
			wm, err := unmarshalWireMessage(sub)
			if err != nil {
				return 0, err
			}
			m.Messages = append(m.Messages, wm)
			return n, nil
		case 2:
			sub, n, err := consumeSubMessage(typ, b)
			if err != nil {
				return 0, err
			}
			d, err := unmarshalPeerDescriptor(sub)
			if err != nil {
				return 0, err
			}
			m.Descriptor = &d
			return n, nil
		default:
			return skip(typ, b)
		}
	})
	return m, err
}

// FileWantRequest and FileWantResponse negotiate a list of file_ids
// either side wants.
type FileWantRequest struct{ FileIDs []string }

func (m FileWantRequest) Marshal() []byte {
	var b []byte
	for _, id := range m.FileIDs {
		b = appendString(b, 1, id)
	}
	return b
}

func UnmarshalFileWantRequest(raw []byte) (FileWantRequest, error) {
	var m FileWantRequest
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(typ, b)
		}
		var s string
		n, err := consumeString(typ, b, &s)
		if err != nil {
			return 0, err
		}
		m.FileIDs = append(m.FileIDs, s)
		return n, nil
	})
	return m, err
}

type FileWantResponse struct{ FileIDs []string }

func (m FileWantResponse) Marshal() []byte {
	var b []byte
	for _, id := range m.FileIDs {
		b = appendString(b, 1, id)
	}
	return b
}

func UnmarshalFileWantResponse(raw []byte) (FileWantResponse, error) {
	var m FileWantResponse
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(typ, b)
		}
		var s string
		n, err := consumeString(typ, b, &s)
		if err != nil {
			return 0, err
		}
		m.FileIDs = append(m.FileIDs, s)
		return n, nil
	})
	return m, err
}

// FileDownloadRequest asks a specific peer (or, if empty, whichever
// peer answers the stream) for a file.
type FileDownloadRequest struct {
	FileID string
	PeerID string
}

func (m FileDownloadRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.FileID)
	b = appendString(b, 2, m.PeerID)
	return b
}

func UnmarshalFileDownloadRequest(raw []byte) (FileDownloadRequest, error) {
	var m FileDownloadRequest
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.FileID)
		case 2:
			return consumeString(typ, b, &m.PeerID)
		default:
			return skip(typ, b)
		}
	})
	return m, err
}

// FileDownloadResponse is one chunk of a streamed file transfer.
type FileDownloadResponse struct {
	Chunk     []byte
	LastChunk bool
	Ext       string
}

func (m FileDownloadResponse) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Chunk)
	b = appendBool(b, 2, m.LastChunk)
	b = appendString(b, 3, m.Ext)
	return b
}

func UnmarshalFileDownloadResponse(raw []byte) (FileDownloadResponse, error) {
	var m FileDownloadResponse
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytesField(typ, b, &m.Chunk)
		case 2:
			return consumeBool(typ, b, &m.LastChunk)
		case 3:
			return consumeString(typ, b, &m.Ext)
		default:
			return skip(typ, b)
		}
	})
	return m, err
}

// Messages and MessageAccept are the legacy unsolicited push variants.
// Only their encoding lives here: nothing in this module sends them,
// and sync.Engine.ServeEnvelope does not handle them, so messages
// travel only through the periodic Compare/Batch exchange.
type Messages struct {
	Messages []WireMessage
}

func (m Messages) Marshal() []byte {
	var b []byte
	for _, wm := range m.Messages {
		b = appendMessage(b, 1, wm.marshal())
	}
	return b
}

func UnmarshalMessages(raw []byte) (Messages, error) {
	var m Messages
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(typ, b)
		}
		sub, n, err := consumeSubMessage(typ, b)
		if err != nil {
			return 0, err
		}
		wm, err := unmarshalWireMessage(sub)
		if err != nil {
			return 0, err
		}
		m.Messages = append(m.Messages, wm)
		return n, nil
	})
	return m, err
}

type MessageAccept struct {
	PeerID  string
	Counter uint32
}

func (m MessageAccept) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PeerID)
	b = appendUint32(b, 2, m.Counter)
	return b
}

func UnmarshalMessageAccept(raw []byte) (MessageAccept, error) {
	var m MessageAccept
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.PeerID)
		case 2:
			return consumeUint32(typ, b, &m.Counter)
		default:
			return skip(typ, b)
		}
	})
	return m, err
}
