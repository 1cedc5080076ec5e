package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/marci1175/szechat/internal/chaterr"
)

// DatagramKind is the 4-byte big-endian message-kind tag suffixed onto
// every datagram's plaintext (§6). Exact numbering is part of the wire
// contract and must stay stable.
type DatagramKind uint32

const (
	DatagramVoice       DatagramKind = 0
	DatagramImageHeader DatagramKind = 1
	DatagramImagePart   DatagramKind = 2
)

// uuidLen is the length in bytes of a UUID's canonical string form
// (8-4-4-4-12 hex digits plus four dashes).
const uuidLen = 36

// hashLen is the length in bytes of a hex-encoded SHA-256 part hash, and
// also the width chosen for the frame identificator so both fixed-width
// fields share one convention.
const hashLen = 64

// appendKind appends the 4-byte big-endian kind tag to payload, producing
// the plaintext that gets encrypted and framed.
func appendKind(payload []byte, kind DatagramKind) []byte {
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.BigEndian.PutUint32(out[len(payload):], uint32(kind))
	return out
}

// SplitKind strips the trailing 4-byte kind tag from a decrypted datagram
// plaintext, returning the remaining payload and the kind.
func SplitKind(plaintext []byte) ([]byte, DatagramKind, error) {
	if len(plaintext) < 4 {
		return nil, 0, fmt.Errorf("protocol: split kind: %w", chaterr.ErrShortRead)
	}
	n := len(plaintext) - 4
	kind := DatagramKind(binary.BigEndian.Uint32(plaintext[n:]))
	return plaintext[:n], kind, nil
}

// EncodeVoiceDatagram builds the plaintext for one voice chunk: samples
// followed by the 36-byte sender UUID, followed by the Voice kind tag
// (§4.6).
func EncodeVoiceDatagram(samples []byte, senderUUID string) ([]byte, error) {
	if len(senderUUID) != uuidLen {
		return nil, fmt.Errorf("protocol: encode voice datagram: %w", chaterr.ErrMissingField)
	}
	payload := make([]byte, 0, len(samples)+uuidLen)
	payload = append(payload, samples...)
	payload = append(payload, []byte(senderUUID)...)
	return appendKind(payload, DatagramVoice), nil
}

// DecodeVoiceDatagram splits a Voice-kind payload (already stripped of its
// kind tag by SplitKind) into sample bytes and the trailing sender UUID.
func DecodeVoiceDatagram(payload []byte) (samples []byte, senderUUID string, err error) {
	if len(payload) < uuidLen {
		return nil, "", fmt.Errorf("protocol: decode voice datagram: %w", chaterr.ErrShortRead)
	}
	split := len(payload) - uuidLen
	return payload[:split], string(payload[split:]), nil
}

// ImageHeaderMsg is the JSON body of an ImageHeader datagram (§3, §4.6).
type ImageHeaderMsg struct {
	SenderUUID string   `json:"sender_uuid"`
	FrameID    string   `json:"frame_id"`
	PartHashes []string `json:"part_hashes"`
}

// NewFrameID generates a fresh frame identificator: a random 32-byte value
// hex-encoded to the same 64-byte width as a part hash, so both
// fixed-width identificator fields share one convention.
func NewFrameID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("protocol: new frame id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// EncodeImageHeaderDatagram builds the plaintext for an ImageHeader
// datagram: JSON-encoded ImageHeaderMsg followed by the ImageHeader kind
// tag.
func EncodeImageHeaderDatagram(hdr ImageHeaderMsg) ([]byte, error) {
	body, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode image header: %w", err)
	}
	return appendKind(body, DatagramImageHeader), nil
}

// DecodeImageHeaderDatagram parses an ImageHeader-kind payload (already
// stripped of its kind tag).
func DecodeImageHeaderDatagram(payload []byte) (ImageHeaderMsg, error) {
	var hdr ImageHeaderMsg
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return ImageHeaderMsg{}, fmt.Errorf("protocol: decode image header: %w: %v", chaterr.ErrUnknownVariant, err)
	}
	if hdr.SenderUUID == "" || hdr.FrameID == "" || len(hdr.PartHashes) == 0 {
		return ImageHeaderMsg{}, fmt.Errorf("protocol: decode image header: %w", chaterr.ErrMissingField)
	}
	return hdr, nil
}

// EncodeImagePartDatagram builds the plaintext for one ImagePart datagram:
// part bytes, the 64-byte hex part hash, the 36-byte sender UUID, the
// 64-byte frame identificator, then the ImagePart kind tag (§4.6).
func EncodeImagePartDatagram(partBytes []byte, partHash, senderUUID, frameID string) ([]byte, error) {
	if len(partHash) != hashLen || len(senderUUID) != uuidLen || len(frameID) != hashLen {
		return nil, fmt.Errorf("protocol: encode image part: %w", chaterr.ErrMissingField)
	}
	payload := make([]byte, 0, len(partBytes)+hashLen+uuidLen+hashLen)
	payload = append(payload, partBytes...)
	payload = append(payload, []byte(partHash)...)
	payload = append(payload, []byte(senderUUID)...)
	payload = append(payload, []byte(frameID)...)
	return appendKind(payload, DatagramImagePart), nil
}

// ImagePart is a decoded ImagePart datagram.
type ImagePart struct {
	Bytes      []byte
	PartHash   string
	SenderUUID string
	FrameID    string
}

// DecodeImagePartDatagram splits an ImagePart-kind payload (already
// stripped of its kind tag) into its component fields.
func DecodeImagePartDatagram(payload []byte) (ImagePart, error) {
	tail := hashLen + uuidLen + hashLen
	if len(payload) < tail {
		return ImagePart{}, fmt.Errorf("protocol: decode image part: %w", chaterr.ErrShortRead)
	}
	split := len(payload) - tail
	bytesPart := payload[:split]
	rest := payload[split:]

	return ImagePart{
		Bytes:      bytesPart,
		PartHash:   string(rest[:hashLen]),
		SenderUUID: string(rest[hashLen : hashLen+uuidLen]),
		FrameID:    string(rest[hashLen+uuidLen:]),
	}, nil
}
