package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies deframe(frame(P)) == P for payloads of
// one byte and up. An empty payload frames to a lone marker, which receive
// rejects.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	sizes := []int{1, 2, 5, 1024, 1372}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			frame := Encode(payload)
			if len(frame) != size+HeaderSize {
				t.Fatalf("frame length: got %d, want %d", len(frame), size+HeaderSize)
			}

			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("payload mismatch for size %d", size)
			}
		})
	}
}

// TestEncodeBitExact checks the wire layout: marker, then the payload verbatim.
func TestEncodeBitExact(t *testing.T) {
	got := Encode([]byte("hello"))
	want := []byte{200, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	empty := Encode(nil)
	if !bytes.Equal(empty, []byte{ChannelMarker}) {
		t.Errorf("empty payload: got %v", empty)
	}
}

// TestEncodeDoesNotAlias verifies the frame owns its bytes.
func TestEncodeDoesNotAlias(t *testing.T) {
	payload := []byte("abc")
	frame := Encode(payload)
	payload[0] = 'z'
	if frame[1] != 'a' {
		t.Errorf("frame aliased the payload: %v", frame)
	}
}

func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", []byte{}, ErrFrameTooShort},
		{"marker only", []byte{ChannelMarker}, ErrFrameTooShort},
		{"wrong marker", []byte{5, 'x'}, ErrWrongChannel},
		{"neighbouring lossy id", []byte{201, 'x', 'y'}, ErrWrongChannel},
		{"zero marker", []byte{0, 0, 0}, ErrWrongChannel},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Decode(tc.data)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if payload != nil {
				t.Errorf("expected nil payload, got %v", payload)
			}
		})
	}
}

func TestDecodeMinimalFrame(t *testing.T) {
	got, err := Decode([]byte{200, 'x', 'y'})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(got) != "xy" {
		t.Errorf("got %q, want %q", got, "xy")
	}
}
