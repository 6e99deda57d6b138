package collab

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary frame layout over the websocket (ordered, reliable):
//
//	uvarint messageKind
//	  0 = document sync. Payload starts with the sync codec's own uvarint
//	      sub-kind (step 1, step 2, incremental update).
//	  1 = presence. Payload is a set of per-client presence deltas.
//
// Unknown kinds must be ignored by receivers.
const (
	MessageKindSync     = uint64(0)
	MessageKindPresence = uint64(1)
)

const (
	SyncStep1  = uint64(0)
	SyncStep2  = uint64(1)
	SyncUpdate = uint64(2)
)

// EncodeMessage frames a payload with its message kind.
func EncodeMessage(kind uint64, payload []byte) []byte {
	enc := &encoder{}
	enc.writeUvarint(kind)
	enc.buf.Write(payload)
	return enc.bytes()
}

// DecodeMessage splits a frame into message kind and payload.
func DecodeMessage(frame []byte) (kind uint64, payload []byte, err error) {
	dec := newDecoder(frame)
	kind, err = dec.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	return kind, dec.rest(), nil
}

// EncodeSyncPayload prefixes a sync body with its sub-kind.
func EncodeSyncPayload(syncType uint64, body []byte) []byte {
	enc := &encoder{}
	enc.writeUvarint(syncType)
	enc.buf.Write(body)
	return enc.bytes()
}

// ParseSyncPayload splits a sync payload into sub-kind and body.
func ParseSyncPayload(payload []byte) (syncType uint64, body []byte, err error) {
	dec := newDecoder(payload)
	syncType, err = dec.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	return syncType, dec.rest(), nil
}

// PresenceDeltaEntry is one client's slice of a presence payload. A
// zero-length state means removal.
type PresenceDeltaEntry struct {
	ClientId  uint64
	Clock     uint64
	StateJson []byte
}

func EncodePresenceDelta(entries []PresenceDeltaEntry) []byte {
	enc := &encoder{}
	enc.writeUvarint(uint64(len(entries)))
	for _, entry := range entries {
		enc.writeUvarint(entry.ClientId)
		enc.writeUvarint(entry.Clock)
		enc.writeVarBytes(entry.StateJson)
	}
	return enc.bytes()
}

func DecodePresenceDelta(payload []byte) ([]PresenceDeltaEntry, error) {
	dec := newDecoder(payload)
	n, err := dec.readUvarint()
	if err != nil {
		return nil, err
	}
	entries := []PresenceDeltaEntry{}
	for i := uint64(0); i < n; i += 1 {
		entry := PresenceDeltaEntry{}
		if entry.ClientId, err = dec.readUvarint(); err != nil {
			return nil, err
		}
		if entry.Clock, err = dec.readUvarint(); err != nil {
			return nil, err
		}
		stateJson, err := dec.readVarBytes()
		if err != nil {
			return nil, err
		}
		if 0 < len(stateJson) {
			entry.StateJson = append([]byte{}, stateJson...)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type encoder struct {
	buf bytes.Buffer
}

func (self *encoder) writeUvarint(v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	self.buf.Write(scratch[:n])
}

func (self *encoder) writeVarBytes(b []byte) {
	self.writeUvarint(uint64(len(b)))
	self.buf.Write(b)
}

func (self *encoder) writeString(s string) {
	self.writeVarBytes([]byte(s))
}

func (self *encoder) bytes() []byte {
	return self.buf.Bytes()
}

type decoder struct {
	b []byte
	i int
}

func newDecoder(b []byte) *decoder {
	return &decoder{b: b}
}

func (self *decoder) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(self.b[self.i:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint at offset %d", self.i)
	}
	self.i += n
	return v, nil
}

func (self *decoder) readVarBytes() ([]byte, error) {
	n, err := self.readUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(self.b)-self.i) < n {
		return nil, fmt.Errorf("truncated bytes at offset %d: need %d have %d", self.i, n, len(self.b)-self.i)
	}
	b := self.b[self.i : self.i+int(n)]
	self.i += int(n)
	return b, nil
}

func (self *decoder) readString() (string, error) {
	b, err := self.readVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (self *decoder) rest() []byte {
	return self.b[self.i:]
}
