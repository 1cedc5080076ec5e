// Package wire implements the length-prefixed framing and session-key
// derivation shared by the reliable control stream and the unreliable
// datagram channel. Both carry the same envelope: a 4-byte big-endian
// length prefix followed by that many ciphertext bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marci1175/szechat/internal/chaterr"
)

// MaxFrameSize bounds a single frame's ciphertext length. A peer that claims
// a larger frame is treated as misbehaving and the connection is torn down.
const MaxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes payload to w as a 4-byte big-endian length prefix
// followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: write frame: %w", chaterr.ErrFrameTooLarge)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns
// chaterr.ErrFrameTooLarge if the declared length exceeds MaxFrameSize, and
// chaterr.ErrShortRead if the stream ends before the declared length is
// satisfied.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("wire: read frame length: %w", chaterr.ErrShortRead)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: read frame: %w", chaterr.ErrFrameTooLarge)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", chaterr.ErrShortRead)
	}
	return payload, nil
}

// EncodeDatagram prepends a 4-byte big-endian length prefix to payload,
// giving a single buffer suitable for a QUIC datagram (payloads here are
// always small enough that splitting across multiple datagrams isn't
// needed; the length prefix lets a receiver validate the buffer it got is
// self-consistent).
func EncodeDatagram(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// DecodeDatagram validates and strips the length prefix written by
// EncodeDatagram. Unlike ReadFrame, this never blocks on short reads: an
// unreliable datagram either arrived whole or didn't arrive, so a length
// mismatch means a malformed or truncated datagram and is reported as
// chaterr.ErrShortRead for the caller to drop silently.
func DecodeDatagram(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: decode datagram: %w", chaterr.ErrShortRead)
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) != n {
		return nil, fmt.Errorf("wire: decode datagram: %w", chaterr.ErrShortRead)
	}
	return buf[4:], nil
}
