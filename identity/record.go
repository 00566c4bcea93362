// record.go - signed discovery record s11n.
//
// The wire format is a fixed little-endian layout, not a CBOR-wrapped
// certificate: bit-compatibility with a specific byte layout is the
// explicit requirement here, so encoding/binary is the right tool. The
// verify-then-trust idiom — "unmarshal into a concrete
// type, confirm the embedded identity key signs the payload" — is
// carried over from a mix descriptor's Verify/UnmarshalBinary methods.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

const (
	// MaxNameLen is the largest name a record may carry.
	MaxNameLen = 63

	signatureSize = ed25519.SignatureSize
)

// ErrInvalidRecord is returned by VerifyRecord when the bytes are
// malformed or the embedded signature does not validate.
var ErrInvalidRecord = errors.New("identity: invalid discovery record")

// ErrNameTooLong is returned by ExportRecord when Name exceeds
// MaxNameLen bytes.
var ErrNameTooLong = errors.New("identity: name exceeds maximum length")

// Record is a verified, self-describing peer advertisement.
type Record struct {
	Name       string
	SigningPub ed25519.PublicKey
	KexPub     [kexPublicSize]byte
	Port       uint16
	Signature  []byte
}

// signedFields returns the bytes covered by the signature: every
// field except the signature itself.
func signedFields(name string, signingPub ed25519.PublicKey, kexPub [kexPublicSize]byte, port uint16) []byte {
	buf := new(bytes.Buffer)
	nameBytes := []byte(name)
	binary.Write(buf, binary.LittleEndian, uint16(len(nameBytes)))
	buf.Write(nameBytes)
	buf.Write(signingPub)
	buf.Write(kexPub[:])
	binary.Write(buf, binary.LittleEndian, port)
	return buf.Bytes()
}

// ExportRecord produces the signed advertisement bytes for id,
// carrying the given listen port.
func (id *Identity) ExportRecord(port uint16) ([]byte, error) {
	if len(id.Name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	fields := signedFields(id.Name, id.signingPublic, id.kexPublic, port)
	sig := id.Sign(fields)
	return append(fields, sig...), nil
}

// VerifyRecord parses and authenticates a discovery record. It
// returns ErrInvalidRecord for any malformed input or signature
// mismatch — callers must discard invalid records rather than trust
// any field from them.
func VerifyRecord(raw []byte) (*Record, error) {
	if len(raw) < 2 {
		return nil, ErrInvalidRecord
	}
	nameLen := int(binary.LittleEndian.Uint16(raw[0:2]))
	if nameLen > MaxNameLen {
		return nil, ErrInvalidRecord
	}
	need := 2 + nameLen + signingPublicSize + kexPublicSize + 2 + signatureSize
	if len(raw) != need {
		return nil, ErrInvalidRecord
	}

	off := 2
	name := string(raw[off : off+nameLen])
	off += nameLen

	signingPub := make(ed25519.PublicKey, signingPublicSize)
	copy(signingPub, raw[off:off+signingPublicSize])
	off += signingPublicSize

	var kexPub [kexPublicSize]byte
	copy(kexPub[:], raw[off:off+kexPublicSize])
	off += kexPublicSize

	port := binary.LittleEndian.Uint16(raw[off : off+2])
	off += 2

	signature := raw[off : off+signatureSize]

	fields := signedFields(name, signingPub, kexPub, port)
	if !ed25519.Verify(signingPub, fields, signature) {
		return nil, ErrInvalidRecord
	}

	return &Record{
		Name:       name,
		SigningPub: signingPub,
		KexPub:     kexPub,
		Port:       port,
		Signature:  append([]byte(nil), signature...),
	}, nil
}

// RecordID is a peer's canonical identifier derived from a verified
// record, matching the format of Identity.ID so a connection's peer_id
// is comparable to a locally-generated identity's own ID.
func RecordID(r *Record) string {
	return hex.EncodeToString(r.SigningPub)
}

// Equal reports whether two records carry identical fields, including
// the signature bytes.
func (r *Record) Equal(other *Record) bool {
	if other == nil {
		return false
	}
	return r.Name == other.Name &&
		bytes.Equal(r.SigningPub, other.SigningPub) &&
		r.KexPub == other.KexPub &&
		r.Port == other.Port &&
		bytes.Equal(r.Signature, other.Signature)
}
