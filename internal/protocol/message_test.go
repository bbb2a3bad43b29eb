package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamdrop/internal/core/domain"
)

func TestHandshake_EncodeDecode(t *testing.T) {
	data, err := EncodeHandshake("Alice's Mac", domain.DeviceMac)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HANDSHAKE","payload":{"name":"Alice's Mac","type":"Mac"}}`, string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHandshake, msg.Type)
	require.NotNil(t, msg.Handshake)
	assert.Equal(t, "Alice's Mac", msg.Handshake.Name)
	assert.Equal(t, domain.DeviceMac, msg.Handshake.Type)
}

func TestFileChunk_PreservesNameAndSize(t *testing.T) {
	blob := []byte("hello world\x00\xff")
	data, err := EncodeFileChunk(FileMeta{ID: "f1", Name: "notes.txt", Type: "text/plain", Size: int64(len(blob))}, blob)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.FileChunk)
	assert.Equal(t, "notes.txt", msg.FileChunk.Meta.Name)
	assert.Equal(t, int64(len(blob)), msg.FileChunk.Meta.Size)
	assert.Equal(t, blob, msg.FileChunk.Blob)
}

func TestFileChunk_BlobIsBase64OnTheWire(t *testing.T) {
	data, err := EncodeFileChunk(FileMeta{ID: "f1", Name: "a.bin", Size: 3}, []byte{1, 2, 3})
	require.NoError(t, err)

	var raw struct {
		Payload struct {
			Blob string `json:"blob"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "AQID", raw.Payload.Blob)
}

func TestFileChunk_EmptyFile(t *testing.T) {
	data, err := EncodeFileChunk(FileMeta{ID: "empty", Name: "empty.txt", Size: 0}, nil)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, msg.FileChunk.Blob)
}

func TestFileAck_EncodeDecode(t *testing.T) {
	data, err := EncodeFileAck("f-42")
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.FileAck)
	assert.Equal(t, "f-42", msg.FileAck.ID)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{{`, domain.ErrMalformedMessage},
		{"missing type", `{"payload":{}}`, domain.ErrMalformedMessage},
		{"unknown type", `{"type":"PING","payload":{}}`, domain.ErrUnknownMessage},
		{"file meta reserved", `{"type":"FILE_META","payload":{}}`, domain.ErrReservedMessage},
		{"file end reserved", `{"type":"FILE_END"}`, domain.ErrReservedMessage},
		{"handshake without payload", `{"type":"HANDSHAKE"}`, domain.ErrMalformedMessage},
		{"handshake bad kind", `{"type":"HANDSHAKE","payload":{"name":"x","type":"Linux"}}`, domain.ErrMalformedMessage},
		{"chunk without id", `{"type":"FILE_CHUNK","payload":{"meta":{"name":"a","size":0},"blob":""}}`, domain.ErrMalformedMessage},
		{"chunk size mismatch", `{"type":"FILE_CHUNK","payload":{"meta":{"id":"a","name":"a","size":9},"blob":"AQID"}}`, domain.ErrMalformedMessage},
		{"ack without id", `{"type":"FILE_ACK","payload":{}}`, domain.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
