// Package protocol defines the frame format used on the overlay's lossy
// peer channel.
package protocol

import (
	"errors"
	"fmt"
)

// ChannelMarker is the first byte of every tunnel frame. It lies inside the
// overlay's custom lossy packet range (192..254), so other traffic sharing
// the peer channel can be told apart.
const ChannelMarker byte = 200

// HeaderSize is the fixed header size: Marker(1).
const HeaderSize = 1

// MinFrameSize is the smallest frame accepted on receive: the marker plus at
// least one payload byte.
const MinFrameSize = HeaderSize + 1

var (
	ErrFrameTooShort = errors.New("frame too short")
	ErrWrongChannel  = errors.New("frame is not on the tunnel channel")
)

// Encode prefixes the payload with the channel marker. The payload is copied
// verbatim, no padding.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = ChannelMarker
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode strips the channel marker. The returned payload aliases data.
func Decode(data []byte) ([]byte, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrFrameTooShort, len(data), MinFrameSize)
	}
	if data[0] != ChannelMarker {
		return nil, fmt.Errorf("%w: got channel %d", ErrWrongChannel, data[0])
	}
	return data[HeaderSize:], nil
}
