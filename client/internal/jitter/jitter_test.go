package jitter

import (
	"testing"
	"time"
)

func TestNewClampDepth(t *testing.T) {
	b := New(0)
	if b.depth != 1 {
		t.Errorf("depth 0 should clamp to 1, got %d", b.depth)
	}
}

func TestSingleSenderInOrder(t *testing.T) {
	b := New(2)

	b.Push("alice", []byte{0xAA})
	b.Push("alice", []byte{0xBB})

	chunks := b.Pop()
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].SenderUUID != "alice" {
		t.Errorf("sender: got %q, want alice", chunks[0].SenderUUID)
	}
	if string(chunks[0].Samples) != string([]byte{0xAA}) {
		t.Errorf("data: got %v, want [0xAA]", chunks[0].Samples)
	}

	chunks = b.Pop()
	if len(chunks) != 1 || string(chunks[0].Samples) != string([]byte{0xBB}) {
		t.Errorf("expected [0xBB], got %v", chunks)
	}
}

func TestNotPrimedUntilDepthReached(t *testing.T) {
	b := New(3)
	b.Push("alice", []byte{1})
	b.Push("alice", []byte{2})

	if len(b.Pop()) != 0 {
		t.Error("expected no output before priming depth reached")
	}

	b.Push("alice", []byte{3})
	if len(b.Pop()) != 1 {
		t.Error("expected output once priming depth reached")
	}
}

func TestMultipleSendersIndependent(t *testing.T) {
	b := New(1)
	b.Push("alice", []byte{1})
	b.Push("bob", []byte{2})

	chunks := b.Pop()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
}

func TestUnderrunYieldsNilSamples(t *testing.T) {
	b := New(1)
	b.Push("alice", []byte{1})
	b.Pop() // drains the only queued chunk, stream stays primed

	chunks := b.Pop()
	if len(chunks) != 1 || chunks[0].Samples != nil {
		t.Errorf("expected underrun nil samples, got %v", chunks)
	}
}

func TestStaleSenderPruned(t *testing.T) {
	b := New(1)
	b.Push("alice", []byte{1})
	b.streams["alice"].lastRecv = time.Now().Add(-time.Second)

	b.Pop()
	if _, ok := b.streams["alice"]; ok {
		t.Error("expected stale sender to be pruned")
	}
}

func TestReset(t *testing.T) {
	b := New(1)
	b.Push("alice", []byte{1})
	b.Reset()
	if len(b.streams) != 0 {
		t.Error("expected streams cleared after Reset")
	}
}

func TestActiveSenders(t *testing.T) {
	b := New(2)
	b.Push("alice", []byte{1})
	if b.ActiveSenders() != 0 {
		t.Error("expected 0 active senders before priming")
	}
	b.Push("alice", []byte{2})
	if b.ActiveSenders() != 1 {
		t.Error("expected 1 active sender once primed")
	}
}

func TestQueueDepthBounded(t *testing.T) {
	b := New(1)
	for i := 0; i < maxQueueDepth+10; i++ {
		b.Push("alice", []byte{byte(i)})
	}
	if len(b.streams["alice"].queue) > maxQueueDepth {
		t.Errorf("queue grew past bound: %d", len(b.streams["alice"].queue))
	}
}
