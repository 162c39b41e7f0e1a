package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{
			name: "empty payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeExit,
				Flags:   0,
				Payload: []byte{},
			},
		},
		{
			name: "with payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypePresence,
				Flags:   0,
				Payload: []byte("alice"),
			},
		},
		{
			name: "max payload size",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeChat,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize-3), // version, type, flags take the rest
			},
		},
		{
			name: "oversized payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeChat,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint32(buf, MaxFrameSize+1))

	_, err := DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFrameTooShort(t *testing.T) {
	// Length below the 3-byte version/type/flags header.
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint32(buf, 2))

	_, err := DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecodeFrameTruncatedPayload(t *testing.T) {
	// Header promises 100 bytes but the stream ends early.
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint32(buf, 100))
	buf.Write([]byte{ProtocolVersion, TypeChat, 0, 1, 2, 3})

	_, err := DecodeFrame(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeFrameEmptyStream(t *testing.T) {
	_, err := DecodeFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewFrame(t *testing.T) {
	frame, err := NewFrame(TypeAck, &AckMessage{Code: CodeOK, Message: "ok"})
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolVersion), frame.Version)
	assert.Equal(t, uint8(TypeAck), frame.Type)

	var ack AckMessage
	require.NoError(t, ack.Decode(frame.Payload))
	assert.Equal(t, uint16(CodeOK), ack.Code)
	assert.Equal(t, "ok", ack.Message)
}

func TestEncodeDecodeBytes(t *testing.T) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    TypePing,
		Flags:   0,
		Payload: []byte{1, 2, 3},
	}

	data, err := EncodeBytes(frame)
	require.NoError(t, err)

	decoded, err := DecodeBytes(data)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}
