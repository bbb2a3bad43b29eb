// Package protocol implements the JSON messages exchanged between peers over
// an established data channel. Every message is an envelope
// {"type": ..., "payload": ...}; one file travels as one FILE_CHUNK.
package protocol

import (
	"encoding/json"
	"fmt"

	"beamdrop/internal/core/domain"
)

type MessageType string

const (
	TypeHandshake MessageType = "HANDSHAKE"
	TypeFileChunk MessageType = "FILE_CHUNK"
	TypeFileAck   MessageType = "FILE_ACK"

	// Reserved by the wire format; never produced and ignored on receipt.
	TypeFileMeta MessageType = "FILE_META"
	TypeFileEnd  MessageType = "FILE_END"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handshake struct {
	Name string            `json:"name"`
	Type domain.DeviceKind `json:"type"`
}

type FileMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// FileChunk carries a whole file. Blob is base64 on the wire.
type FileChunk struct {
	Meta FileMeta `json:"meta"`
	Blob []byte   `json:"blob"`
}

type FileAck struct {
	ID string `json:"id"`
}

// Message is a decoded envelope; exactly one payload field is set.
type Message struct {
	Type      MessageType
	Handshake *Handshake
	FileChunk *FileChunk
	FileAck   *FileAck
}

func EncodeHandshake(name string, kind domain.DeviceKind) ([]byte, error) {
	return encode(TypeHandshake, Handshake{Name: name, Type: kind})
}

func EncodeFileChunk(meta FileMeta, blob []byte) ([]byte, error) {
	if blob == nil {
		blob = []byte{}
	}
	return encode(TypeFileChunk, FileChunk{Meta: meta, Blob: blob})
}

func EncodeFileAck(id domain.FileID) ([]byte, error) {
	return encode(TypeFileAck, FileAck{ID: string(id)})
}

func encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	data, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	return data, nil
}

// Decode parses and validates one message. Reserved types return
// domain.ErrReservedMessage, unrecognised ones domain.ErrUnknownMessage and
// anything structurally wrong domain.ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	msg := &Message{Type: env.Type}
	switch env.Type {
	case TypeHandshake:
		var hs Handshake
		if err := unmarshalPayload(env, &hs); err != nil {
			return nil, err
		}
		if !hs.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown device type %q", domain.ErrMalformedMessage, hs.Type)
		}
		msg.Handshake = &hs

	case TypeFileChunk:
		var fc FileChunk
		if err := unmarshalPayload(env, &fc); err != nil {
			return nil, err
		}
		if fc.Meta.ID == "" {
			return nil, fmt.Errorf("%w: file chunk without id", domain.ErrMalformedMessage)
		}
		if fc.Meta.Size != int64(len(fc.Blob)) {
			return nil, fmt.Errorf("%w: file %s declares %d bytes, carries %d",
				domain.ErrMalformedMessage, fc.Meta.ID, fc.Meta.Size, len(fc.Blob))
		}
		msg.FileChunk = &fc

	case TypeFileAck:
		var ack FileAck
		if err := unmarshalPayload(env, &ack); err != nil {
			return nil, err
		}
		if ack.ID == "" {
			return nil, fmt.Errorf("%w: ack without id", domain.ErrMalformedMessage)
		}
		msg.FileAck = &ack

	case TypeFileMeta, TypeFileEnd:
		return nil, fmt.Errorf("%w: %s", domain.ErrReservedMessage, env.Type)

	case "":
		return nil, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMessage, env.Type)
	}
	return msg, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", domain.ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedMessage, env.Type, err)
	}
	return nil
}
