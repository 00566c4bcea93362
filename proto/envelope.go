package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolViolationError wraps any decode failure on an Envelope: it
// aborts only the stream it occurred on, not the whole connection.
type ProtocolViolationError struct{ Err error }

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("proto: protocol violation: %v", e.Err)
}
func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// Envelope is the top-level tagged union carried by a single stream
// exchange: exactly one field is populated.
type Envelope struct {
	CompareRequest       *CompareRequest
	CompareResponse      *CompareResponse
	BatchMessageRequest  *BatchMessageRequest
	BatchMessageResponse *BatchMessageResponse
	FileWantRequest      *FileWantRequest
	FileWantResponse     *FileWantResponse
	FileDownloadRequest  *FileDownloadRequest
	FileDownloadResponse *FileDownloadResponse
	Messages             *Messages
	MessageAccept        *MessageAccept
}

// Marshal encodes whichever variant is set.
func (e Envelope) Marshal() ([]byte, error) {
	var b []byte
	set := 0
	add := func(num protowire.Number, sub []byte) {
		set++
		b = appendMessage(b, num, sub)
	}
	if e.CompareRequest != nil {
		add(1, e.CompareRequest.Marshal())
	}
	if e.CompareResponse != nil {
		add(2, e.CompareResponse.Marshal())
	}
	if e.BatchMessageRequest != nil {
		add(3, e.BatchMessageRequest.Marshal())
	}
	if e.BatchMessageResponse != nil {
		add(4, e.BatchMessageResponse.Marshal())
	}
	if e.FileWantRequest != nil {
		add(5, e.FileWantRequest.Marshal())
	}
	if e.FileWantResponse != nil {
		add(6, e.FileWantResponse.Marshal())
	}
	if e.FileDownloadRequest != nil {
		add(7, e.FileDownloadRequest.Marshal())
	}
	if e.FileDownloadResponse != nil {
		add(8, e.FileDownloadResponse.Marshal())
	}
	if e.Messages != nil {
		add(9, e.Messages.Marshal())
	}
	if e.MessageAccept != nil {
		add(10, e.MessageAccept.Marshal())
	}
	if set != 1 {
		return nil, fmt.Errorf("proto: envelope must have exactly one variant set, got %d", set)
	}
	return b, nil
}

// UnmarshalEnvelope decodes a tagged-union message. Decode failures
// are always returned as *ProtocolViolationError.
func UnmarshalEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		sub, n, err := consumeSubMessage(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			v, err := UnmarshalCompareRequest(sub)
			if err != nil {
				return 0, err
			}
			e.CompareRequest = &v
		case 2:
			v, err := UnmarshalCompareResponse(sub)
			if err != nil {
				return 0, err
			}
			e.CompareResponse = &v
		case 3:
			v, err := UnmarshalBatchMessageRequest(sub)
			if err != nil {
				return 0, err
			}
			e.BatchMessageRequest = &v
		case 4:
			v, err := UnmarshalBatchMessageResponse(sub)
			if err != nil {
				return 0, err
			}
			e.BatchMessageResponse = &v
		case 5:
			v, err := UnmarshalFileWantRequest(sub)
			if err != nil {
				return 0, err
			}
			e.FileWantRequest = &v
		case 6:
			v, err := UnmarshalFileWantResponse(sub)
			if err != nil {
				return 0, err
			}
			e.FileWantResponse = &v
		case 7:
			v, err := UnmarshalFileDownloadRequest(sub)
			if err != nil {
				return 0, err
			}
			e.FileDownloadRequest = &v
		case 8:
			v, err := UnmarshalFileDownloadResponse(sub)
			if err != nil {
				return 0, err
			}
			e.FileDownloadResponse = &v
		case 9:
			v, err := UnmarshalMessages(sub)
			if err != nil {
				return 0, err
			}
			e.Messages = &v
		case 10:
			v, err := UnmarshalMessageAccept(sub)
			if err != nil {
				return 0, err
			}
			e.MessageAccept = &v
		default:
			return n, nil
		}
		return n, nil
	})
	if err != nil {
		return Envelope{}, &ProtocolViolationError{Err: err}
	}
	set := 0
	for _, p := range []bool{e.CompareRequest != nil, e.CompareResponse != nil, e.BatchMessageRequest != nil,
		e.BatchMessageResponse != nil, e.FileWantRequest != nil, e.FileWantResponse != nil,
		e.FileDownloadRequest != nil, e.FileDownloadResponse != nil, e.Messages != nil, e.MessageAccept != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return Envelope{}, &ProtocolViolationError{Err: fmt.Errorf("envelope must have exactly one variant set, got %d", set)}
	}
	return e, nil
}
