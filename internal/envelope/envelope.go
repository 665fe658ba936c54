// Package envelope implements the binary client/server frame wrapper:
// eventType, eventId, sessionId and a payload, plus the time-ordered id
// minting every session/event/utterance id in this module uses.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

const version byte = 1

// ErrShortFrame is returned when a buffer is too small to hold a valid header.
var ErrShortFrame = errors.New("envelope: frame too short")

// ErrUnsupportedVersion is returned when the frame's version byte is unknown.
var ErrUnsupportedVersion = errors.New("envelope: unsupported version")

// Envelope is the uniform frame wrapper used for every client<->server message.
type Envelope struct {
	EventType string
	EventID   uuid.UUID
	SessionID uuid.UUID
	Payload   json.RawMessage
}

// NewID mints a time-ordered 128-bit id (UUIDv7): a 48-bit Unix millisecond
// timestamp prefix followed by random bits, sortable by creation time.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime's random source is broken;
		// fall back to a random v4 rather than panicking on a hot path.
		return uuid.New()
	}
	return id
}

// New builds an envelope with a freshly minted EventID.
func New(eventType string, sessionID uuid.UUID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventType: eventType,
		EventID:   NewID(),
		SessionID: sessionID,
		Payload:   raw,
	}, nil
}

// Encode serializes an envelope to its wire form:
//
//	[1]  version
//	[16] eventId
//	[16] sessionId
//	[2]  len(eventType) (big-endian uint16)
//	[n]  eventType bytes
//	[..] payload bytes (remainder of the frame)
func Encode(e Envelope) ([]byte, error) {
	typeBytes := []byte(e.EventType)
	if len(typeBytes) > 0xFFFF {
		return nil, errors.New("envelope: eventType too long")
	}
	buf := make([]byte, 0, 1+16+16+2+len(typeBytes)+len(e.Payload))
	buf = append(buf, version)
	buf = append(buf, e.EventID[:]...)
	buf = append(buf, e.SessionID[:]...)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(typeBytes)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, typeBytes...)
	buf = append(buf, e.Payload...)
	return buf, nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Envelope, error) {
	const headerMin = 1 + 16 + 16 + 2
	if len(data) < headerMin {
		return Envelope{}, ErrShortFrame
	}
	if data[0] != version {
		return Envelope{}, ErrUnsupportedVersion
	}
	off := 1
	var eventID uuid.UUID
	copy(eventID[:], data[off:off+16])
	off += 16
	var sessionID uuid.UUID
	copy(sessionID[:], data[off:off+16])
	off += 16
	typeLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+typeLen {
		return Envelope{}, ErrShortFrame
	}
	eventType := string(data[off : off+typeLen])
	off += typeLen
	payload := append([]byte(nil), data[off:]...)
	return Envelope{
		EventType: eventType,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   payload,
	}, nil
}
