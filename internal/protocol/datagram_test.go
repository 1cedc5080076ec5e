package protocol

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/marci1175/szechat/internal/chaterr"
)

func TestVoiceDatagramRoundTrip(t *testing.T) {
	sender := uuid.New().String()
	samples := []byte{1, 2, 3, 4, 5}

	plaintext, err := EncodeVoiceDatagram(samples, sender)
	if err != nil {
		t.Fatalf("EncodeVoiceDatagram: %v", err)
	}

	payload, kind, err := SplitKind(plaintext)
	if err != nil {
		t.Fatalf("SplitKind: %v", err)
	}
	if kind != DatagramVoice {
		t.Fatalf("got kind %d, want %d", kind, DatagramVoice)
	}

	gotSamples, gotSender, err := DecodeVoiceDatagram(payload)
	if err != nil {
		t.Fatalf("DecodeVoiceDatagram: %v", err)
	}
	if string(gotSamples) != string(samples) {
		t.Fatalf("samples mismatch: got %v, want %v", gotSamples, samples)
	}
	if gotSender != sender {
		t.Fatalf("sender mismatch: got %q, want %q", gotSender, sender)
	}
}

func TestEncodeVoiceDatagramRejectsBadUUID(t *testing.T) {
	_, err := EncodeVoiceDatagram([]byte("x"), "not-a-uuid")
	if !errors.Is(err, chaterr.ErrMissingField) {
		t.Fatalf("want ErrMissingField, got %v", err)
	}
}

func TestImageHeaderDatagramRoundTrip(t *testing.T) {
	frameID, err := NewFrameID()
	if err != nil {
		t.Fatalf("NewFrameID: %v", err)
	}
	if len(frameID) != hashLen {
		t.Fatalf("frame id length = %d, want %d", len(frameID), hashLen)
	}

	hdr := ImageHeaderMsg{
		SenderUUID: uuid.New().String(),
		FrameID:    frameID,
		PartHashes: []string{"h1", "h2", "h3"},
	}

	plaintext, err := EncodeImageHeaderDatagram(hdr)
	if err != nil {
		t.Fatalf("EncodeImageHeaderDatagram: %v", err)
	}
	payload, kind, err := SplitKind(plaintext)
	if err != nil {
		t.Fatalf("SplitKind: %v", err)
	}
	if kind != DatagramImageHeader {
		t.Fatalf("got kind %d, want %d", kind, DatagramImageHeader)
	}

	got, err := DecodeImageHeaderDatagram(payload)
	if err != nil {
		t.Fatalf("DecodeImageHeaderDatagram: %v", err)
	}
	if got.SenderUUID != hdr.SenderUUID || got.FrameID != hdr.FrameID || len(got.PartHashes) != 3 {
		t.Fatalf("got %+v, want %+v", got, hdr)
	}
}

func TestDecodeImageHeaderDatagramRejectsMissingFields(t *testing.T) {
	plaintext, err := EncodeImageHeaderDatagram(ImageHeaderMsg{})
	if err != nil {
		t.Fatalf("EncodeImageHeaderDatagram: %v", err)
	}
	payload, _, err := SplitKind(plaintext)
	if err != nil {
		t.Fatalf("SplitKind: %v", err)
	}
	if _, err := DecodeImageHeaderDatagram(payload); !errors.Is(err, chaterr.ErrMissingField) {
		t.Fatalf("want ErrMissingField, got %v", err)
	}
}

func TestImagePartDatagramRoundTrip(t *testing.T) {
	partBytes := []byte{9, 8, 7, 6}
	partHash := make([]byte, hashLen)
	for i := range partHash {
		partHash[i] = 'a'
	}
	sender := uuid.New().String()
	frameID, err := NewFrameID()
	if err != nil {
		t.Fatalf("NewFrameID: %v", err)
	}

	plaintext, err := EncodeImagePartDatagram(partBytes, string(partHash), sender, frameID)
	if err != nil {
		t.Fatalf("EncodeImagePartDatagram: %v", err)
	}
	payload, kind, err := SplitKind(plaintext)
	if err != nil {
		t.Fatalf("SplitKind: %v", err)
	}
	if kind != DatagramImagePart {
		t.Fatalf("got kind %d, want %d", kind, DatagramImagePart)
	}

	part, err := DecodeImagePartDatagram(payload)
	if err != nil {
		t.Fatalf("DecodeImagePartDatagram: %v", err)
	}
	if string(part.Bytes) != string(partBytes) {
		t.Fatalf("bytes mismatch: got %v, want %v", part.Bytes, partBytes)
	}
	if part.PartHash != string(partHash) || part.SenderUUID != sender || part.FrameID != frameID {
		t.Fatalf("got %+v", part)
	}
}

func TestSplitKindRejectsShortPlaintext(t *testing.T) {
	if _, _, err := SplitKind([]byte{1, 2}); !errors.Is(err, chaterr.ErrShortRead) {
		t.Fatalf("want ErrShortRead, got %v", err)
	}
}
