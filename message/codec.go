package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxFrameSize bounds a single frame read from an acceptor link.
const DefaultMaxFrameSize = 1 << 20

const frameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned when a frame header announces more bytes than allowed.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("empty frame")
)

// Marshal encodes a payload with msgpack.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes a msgpack payload into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// NewEnvelope marshals body and wraps it in an Envelope of type t.
func NewEnvelope(t Type, body any) (Envelope, error) {
	b, err := Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s body: %w", t, err)
	}
	return Envelope{Type: t, Body: b}, nil
}

// Encode returns the length-prefixed wire form of env.
func Encode(env Envelope) ([]byte, error) {
	payload, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// WriteFrame encodes env and writes it to w in a single call.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed envelope from r. A maxSize of zero
// selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	if uint64(n) > uint64(maxSize) {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
