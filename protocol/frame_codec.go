// File: protocol/frame_codec.go
// Package protocol implements DNS-over-stream framing with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A stream frame is a 2-byte big-endian length followed by exactly that many
// bytes of DNS message. A zero length is a protocol error.

package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/pool"
)

// PrefixLen is the size of the length prefix.
const PrefixLen = 2

// MaxFramePayload is the largest payload the prefix can describe.
const MaxFramePayload = pool.MaxWireLength

var (
	// ErrZeroLength reports a frame prefix of 0.
	ErrZeroLength = errors.New("zero-length frame")
	// ErrFrameTooLarge reports a frame longer than the receive capacity.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
)

// PayloadLen returns the total length of a scatter vector.
func PayloadLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

// EncodeFrame appends the length prefix and the concatenated iov to dst.
// Nothing is appended when the payload is empty or longer than limit (or
// MaxFramePayload when limit is 0).
func EncodeFrame(dst []byte, iov [][]byte, limit int) ([]byte, error) {
	if limit <= 0 || limit > MaxFramePayload {
		limit = MaxFramePayload
	}
	n := PayloadLen(iov)
	if n == 0 {
		return dst, api.Wrap(api.ErrCodeFraming, "encode frame", ErrZeroLength)
	}
	if n > limit {
		return dst, api.Wrap(api.ErrCodeFraming, "encode frame", ErrFrameTooLarge).
			WithContext("length", n).
			WithContext("limit", limit)
	}
	var hdr [PrefixLen]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(n))
	dst = append(dst, hdr[:]...)
	for _, b := range iov {
		dst = append(dst, b...)
	}
	return dst, nil
}
