package main

import (
	"bytes"
	"testing"

	"github.com/marci1175/szechat/internal/protocol"
)

func TestSplitImageParts(t *testing.T) {
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}
	parts := splitBytes(data, 10)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if len(parts[0]) != 10 || len(parts[1]) != 10 || len(parts[2]) != 5 {
		t.Errorf("unexpected part sizes: %d %d %d", len(parts[0]), len(parts[1]), len(parts[2]))
	}
	var rejoined []byte
	for _, p := range parts {
		rejoined = append(rejoined, p...)
	}
	if !bytes.Equal(rejoined, data) {
		t.Error("rejoined parts do not match original data")
	}
}

func TestSplitImagePartsEmpty(t *testing.T) {
	parts := splitBytes(nil, 10)
	if len(parts) != 1 || len(parts[0]) != 0 {
		t.Errorf("expected a single empty part, got %v", parts)
	}
}

func TestSplitImagePartsExactMultiple(t *testing.T) {
	data := make([]byte, 20)
	parts := splitBytes(data, 10)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
}

func TestHashPartDeterministic(t *testing.T) {
	a := hashPart([]byte("frame-bytes"))
	b := hashPart([]byte("frame-bytes"))
	if a != b {
		t.Error("hashPart should be deterministic for identical input")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashPartDiffersOnInput(t *testing.T) {
	a := hashPart([]byte("one"))
	b := hashPart([]byte("two"))
	if a == b {
		t.Error("expected different hashes for different input")
	}
}

func TestIsDirectReply(t *testing.T) {
	direct := []protocol.ReplyKind{
		protocol.ReplyFile, protocol.ReplyImage, protocol.ReplyAudio, protocol.ReplyClient,
		protocol.ReplyVoipSuccess, protocol.ReplyVoipFail,
		protocol.ReplyUnauthorized, protocol.ReplyStateError, protocol.ReplyInvalidTarget,
	}
	for _, k := range direct {
		if !isDirectReply(k) {
			t.Errorf("expected kind %d to be a direct reply", k)
		}
	}
	if isDirectReply(protocol.ReplySync) {
		t.Error("ReplySync must never be treated as a direct reply")
	}
	if isDirectReply(protocol.ReplyConnectAccept) {
		t.Error("ReplyConnectAccept is handled by the handshake, not dispatchReply")
	}
}

func TestReplyErrorPrefersDetail(t *testing.T) {
	err := replyError(protocol.ServerReply{Kind: protocol.ReplyStateError, Detail: "index out of range", Reason: protocol.ReasonBadPassword})
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if got := err.Error(); !bytes.Contains([]byte(got), []byte("index out of range")) {
		t.Errorf("expected detail in error, got %q", got)
	}
}

func TestReplyErrorFallsBackToReason(t *testing.T) {
	err := replyError(protocol.ServerReply{Kind: protocol.ReplyVoipFail, Reason: protocol.ReasonAlreadyInCall})
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if got := err.Error(); !bytes.Contains([]byte(got), []byte("already_in_call")) {
		t.Errorf("expected reason in error, got %q", got)
	}
}

func TestReplyErrorDefaultsToKind(t *testing.T) {
	err := replyError(protocol.ServerReply{Kind: protocol.ReplyInvalidTarget})
	if err == nil {
		t.Fatal("expected non-nil error")
	}
}

const testUUID = "00000000-0000-0000-0000-000000000001"

func TestFrameReassemblerSinglePart(t *testing.T) {
	r := newFrameReassembler()
	hash := hashPart([]byte("jpeg-bytes"))
	frameID := mustFrameID(t)
	r.header(protocol.ImageHeaderMsg{SenderUUID: testUUID, FrameID: frameID, PartHashes: []string{hash}})

	jpeg, ok := r.part(protocol.ImagePart{Bytes: []byte("jpeg-bytes"), PartHash: hash, SenderUUID: testUUID, FrameID: frameID})
	if !ok {
		t.Fatal("expected frame to complete on its only part")
	}
	if string(jpeg) != "jpeg-bytes" {
		t.Errorf("got %q", jpeg)
	}
}

func TestFrameReassemblerReordering(t *testing.T) {
	r := newFrameReassembler()
	frameID := mustFrameID(t)
	part0, part1, part2 := []byte("AAA"), []byte("BBB"), []byte("CCC")
	h0, h1, h2 := hashPart(part0), hashPart(part1), hashPart(part2)
	r.header(protocol.ImageHeaderMsg{SenderUUID: testUUID, FrameID: frameID, PartHashes: []string{h0, h1, h2}})

	if _, ok := r.part(protocol.ImagePart{Bytes: part2, PartHash: h2, SenderUUID: testUUID, FrameID: frameID}); ok {
		t.Fatal("frame should not complete with only one of three parts")
	}
	if _, ok := r.part(protocol.ImagePart{Bytes: part0, PartHash: h0, SenderUUID: testUUID, FrameID: frameID}); ok {
		t.Fatal("frame should not complete with two of three parts")
	}
	jpeg, ok := r.part(protocol.ImagePart{Bytes: part1, PartHash: h1, SenderUUID: testUUID, FrameID: frameID})
	if !ok {
		t.Fatal("expected frame to complete once all parts arrived")
	}
	if string(jpeg) != "AAABBBCCC" {
		t.Errorf("expected parts reassembled in header order, got %q", jpeg)
	}
}

// TestFrameReassemblerDrainsOlderPartial mirrors the partial-frame discard
// scenario: an older incomplete header is silently dropped once a later
// header for the same sender completes.
func TestFrameReassemblerDrainsOlderPartial(t *testing.T) {
	r := newFrameReassembler()

	oldFrame := mustFrameID(t)
	oldPartA, oldPartB := []byte("old-a"), []byte("old-b")
	oldHashA, oldHashB := hashPart(oldPartA), hashPart(oldPartB)
	r.header(protocol.ImageHeaderMsg{SenderUUID: testUUID, FrameID: oldFrame, PartHashes: []string{oldHashA, oldHashB}})
	if _, ok := r.part(protocol.ImagePart{Bytes: oldPartA, PartHash: oldHashA, SenderUUID: testUUID, FrameID: oldFrame}); ok {
		t.Fatal("old frame should not complete with only one of two parts")
	}

	newFrame := mustFrameID(t)
	newPart := []byte("new-complete")
	newHash := hashPart(newPart)
	r.header(protocol.ImageHeaderMsg{SenderUUID: testUUID, FrameID: newFrame, PartHashes: []string{newHash}})
	jpeg, ok := r.part(protocol.ImagePart{Bytes: newPart, PartHash: newHash, SenderUUID: testUUID, FrameID: newFrame})
	if !ok {
		t.Fatal("expected new frame to complete")
	}
	if string(jpeg) != "new-complete" {
		t.Errorf("got %q", jpeg)
	}

	// The old frame's remaining part must now be a no-op: its header was
	// drained when the later frame completed.
	if _, ok := r.part(protocol.ImagePart{Bytes: oldPartB, PartHash: oldHashB, SenderUUID: testUUID, FrameID: oldFrame}); ok {
		t.Fatal("stale header should have been drained, not completed")
	}
	sf := r.bySender[testUUID]
	if len(sf.order) != 0 || len(sf.byID) != 0 {
		t.Errorf("expected no tracked frames left, got order=%v byID keys=%d", sf.order, len(sf.byID))
	}
}

func TestFrameReassemblerUnknownSenderIgnored(t *testing.T) {
	r := newFrameReassembler()
	if _, ok := r.part(protocol.ImagePart{Bytes: []byte("x"), PartHash: "whatever", SenderUUID: testUUID}); ok {
		t.Error("expected unknown sender/frame to be ignored")
	}
}

func TestFrameReassemblerUnknownHashIgnored(t *testing.T) {
	r := newFrameReassembler()
	frameID := mustFrameID(t)
	r.header(protocol.ImageHeaderMsg{SenderUUID: testUUID, FrameID: frameID, PartHashes: []string{hashPart([]byte("a"))}})
	if _, ok := r.part(protocol.ImagePart{Bytes: []byte("mismatch"), PartHash: hashPart([]byte("b")), SenderUUID: testUUID, FrameID: frameID}); ok {
		t.Error("expected part with unrecognized hash to be ignored")
	}
}

func mustFrameID(t *testing.T) string {
	t.Helper()
	id, err := protocol.NewFrameID()
	if err != nil {
		t.Fatalf("NewFrameID: %v", err)
	}
	return id
}
