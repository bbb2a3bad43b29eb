package webrtc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	frameVersion    = 1
	frameHeaderSize = 13
)

var errBadFrame = errors.New("webrtc: malformed frame")

// Frame layout, big endian:
//
//	version uint8 | message id uint32 | index uint32 | total uint32 | body
//
// Data channel messages are size limited, so protocol messages are split
// into frames that the receiver reassembles in order.
type frameHeader struct {
	msgID uint32
	index uint32
	total uint32
}

func splitFrames(msgID uint32, data []byte, maxFrame int) [][]byte {
	chunk := maxFrame - frameHeaderSize
	total := (len(data) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		frame := make([]byte, frameHeaderSize+end-start)
		frame[0] = frameVersion
		binary.BigEndian.PutUint32(frame[1:5], msgID)
		binary.BigEndian.PutUint32(frame[5:9], uint32(i))
		binary.BigEndian.PutUint32(frame[9:13], uint32(total))
		copy(frame[frameHeaderSize:], data[start:end])
		frames = append(frames, frame)
	}
	return frames
}

func parseFrame(frame []byte) (frameHeader, []byte, error) {
	if len(frame) < frameHeaderSize {
		return frameHeader{}, nil, fmt.Errorf("%w: %d bytes", errBadFrame, len(frame))
	}
	if frame[0] != frameVersion {
		return frameHeader{}, nil, fmt.Errorf("%w: version %d", errBadFrame, frame[0])
	}
	h := frameHeader{
		msgID: binary.BigEndian.Uint32(frame[1:5]),
		index: binary.BigEndian.Uint32(frame[5:9]),
		total: binary.BigEndian.Uint32(frame[9:13]),
	}
	if h.total == 0 || h.index >= h.total {
		return frameHeader{}, nil, fmt.Errorf("%w: frame %d of %d", errBadFrame, h.index, h.total)
	}
	return h, frame[frameHeaderSize:], nil
}

// reassembler rebuilds messages from an ordered frame stream.
type reassembler struct {
	maxMessage int64

	active  bool
	current frameHeader
	buf     []byte
}

// add consumes one frame and returns the message once its last frame
// arrives. After an error the partial message is dropped.
func (r *reassembler) add(frame []byte) ([]byte, bool, error) {
	h, body, err := parseFrame(frame)
	if err != nil {
		r.reset()
		return nil, false, err
	}

	if r.active && h.msgID != r.current.msgID {
		r.reset()
		if h.index != 0 {
			return nil, false, fmt.Errorf("%w: message %d interrupted", errBadFrame, h.msgID)
		}
	}
	if !r.active {
		if h.index != 0 {
			return nil, false, fmt.Errorf("%w: message %d starts at frame %d", errBadFrame, h.msgID, h.index)
		}
		r.active = true
		r.current = frameHeader{msgID: h.msgID, total: h.total}
	}

	if h.index != r.current.index || h.total != r.current.total {
		r.reset()
		return nil, false, fmt.Errorf("%w: unexpected frame %d of %d", errBadFrame, h.index, h.total)
	}
	if r.maxMessage > 0 && int64(len(r.buf)+len(body)) > r.maxMessage {
		r.reset()
		return nil, false, fmt.Errorf("%w: message exceeds %d bytes", errBadFrame, r.maxMessage)
	}

	r.buf = append(r.buf, body...)
	r.current.index++
	if r.current.index < r.current.total {
		return nil, false, nil
	}

	msg := r.buf
	r.buf = nil
	r.active = false
	return msg, true, nil
}

func (r *reassembler) reset() {
	r.active = false
	r.buf = nil
	r.current = frameHeader{}
}
