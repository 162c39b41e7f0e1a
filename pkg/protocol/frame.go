package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize caps a single frame at 1 MB, payload included.
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (1 MB)")
	ErrFrameTooShort  = errors.New("frame length below header size")
	ErrVersionUnknown = errors.New("unsupported protocol version")
)

// Frame is one complete wire message.
// Layout: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload].
// Length counts everything after itself.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// EncodeFrame writes a single frame to w.
func EncodeFrame(w io.Writer, f *Frame) error {
	length := uint32(3 + len(f.Payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Version); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Type); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Flags); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		_, err := w.Write(f.Payload)
		return err
	}
	return nil
}

// DecodeFrame reads exactly one frame from r. The payload is fully
// buffered before the frame is returned; a short read surfaces as an
// error, never as a partial frame.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 3 {
		return nil, ErrFrameTooShort
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	msgType, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	flags, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length-3)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// Payloader is implemented by every typed message in this package.
type Payloader interface {
	Encode() ([]byte, error)
	Decode(payload []byte) error
}

// NewFrame wraps an encoded message payload in a frame of the given type.
func NewFrame(msgType uint8, msg Payloader) (*Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: payload,
	}, nil
}

// EncodeBytes encodes a whole frame to a byte slice.
func EncodeBytes(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes decodes a whole frame from a byte slice.
func DecodeBytes(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
