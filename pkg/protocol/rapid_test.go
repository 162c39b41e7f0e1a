package protocol

import (
	"bytes"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip checks that any valid frame survives encode/decode.
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.Byte().Draw(t, "type")
		flags := rapid.Byte().Draw(t, "flags")
		payloadLen := rapid.IntRange(0, 1024).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		original := &Frame{
			Version: ProtocolVersion,
			Type:    msgType,
			Flags:   flags,
			Payload: payload,
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Version != original.Version {
			t.Fatalf("version mismatch: got %d, want %d", decoded.Version, original.Version)
		}
		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %d, want %d", decoded.Type, original.Type)
		}
		if decoded.Flags != original.Flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestStringRoundTrip checks that any string within the length limit
// survives encode/decode.
func TestStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.StringN(-1, -1, 1024).Draw(t, "string")

		var buf bytes.Buffer
		if err := WriteString(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("string mismatch: got %q, want %q", decoded, original)
		}
	})
}

// TestBytesRoundTrip checks the length-prefixed blob codec. An empty blob
// reads back as nil.
func TestBytesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blobLen := rapid.IntRange(0, 1024).Draw(t, "blobLen")
		original := rapid.SliceOfN(rapid.Byte(), blobLen, blobLen).Draw(t, "blob")

		var buf bytes.Buffer
		if err := WriteBytes(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadBytes(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(original) == 0 {
			if decoded != nil {
				t.Fatalf("expected nil for empty blob, got %v", decoded)
			}
			return
		}
		if !bytes.Equal(decoded, original) {
			t.Fatalf("blob mismatch")
		}
	})
}

// TestChatMessageRapidRoundTrip covers the chat payload with arbitrary
// valid field values.
func TestChatMessageRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &ChatMessage{
			From: rapid.StringOfN(rapid.RuneFrom([]rune("abcdefghij")), 1, MaxUsernameLength, -1).Draw(t, "from"),
			To:   rapid.StringOfN(rapid.RuneFrom([]rune("abcdefghij")), 1, MaxUsernameLength, -1).Draw(t, "to"),
			Time: time.UnixMilli(rapid.Int64Range(0, 1<<42).Draw(t, "millis")),
			Text: rapid.StringN(-1, -1, 512).Draw(t, "text"),
		}

		payload, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		var decoded ChatMessage
		if err := decoded.Decode(payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != *original {
			t.Fatalf("mismatch: got %+v, want %+v", decoded, *original)
		}
	})
}

// TestDecodeFrameNeverPanics feeds arbitrary bytes to the frame decoder.
func TestDecodeFrameNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")
		DecodeBytes(data)
	})
}
