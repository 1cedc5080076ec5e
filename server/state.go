package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"

	"github.com/marci1175/szechat/internal/protocol"
	"github.com/marci1175/szechat/internal/wire"
)

// ServerState is the single-writer authoritative state of one server
// process: ServerLog, SeenTable, and CallRoster (§3). It owns exclusively
// what §3's Ownership paragraph assigns to the server; each Subscriber
// exclusively owns its own outbound queue via the subscriber record below.
type ServerState struct {
	mu sync.Mutex

	serverName string
	ownerUUID  string

	log       []protocol.ServerMessage // ServerLog; index i lives at log[i]
	seenTable map[string]int           // SeenTable

	callRoster map[string]bool // CallRoster; true for every UUID currently in-call

	subscribers map[string]*Subscriber // client UUID -> live subscriber

	onRename func(name string) error
}

// Subscriber is a connected client's broadcast fan-out target. The server
// owns this record; the client owns everything reachable only through its
// own session goroutines.
type Subscriber struct {
	UUID        string
	DisplayName string
	Outbound    chan protocol.ServerReply

	cipher *wire.Cipher // set once the handshake completes; used to open/seal datagrams
	sess   *webtransport.Session

	health sendHealth

	dropOnce sync.Once
	dropped  chan struct{}
}

func newSubscriber(uuid, displayName string) *Subscriber {
	return &Subscriber{
		UUID:        uuid,
		DisplayName: displayName,
		Outbound:    make(chan protocol.ServerReply, outboundQueueSize),
		dropped:     make(chan struct{}),
	}
}

// MarkDropped closes the dropped signal exactly once; handleClient's
// connection loop selects on it to notice a SlowConsumer eviction issued
// from inside a broadcast.
func (s *Subscriber) MarkDropped() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// NewServerState creates an empty ServerState with the given display name.
func NewServerState(serverName string) *ServerState {
	if serverName == "" {
		serverName = "szechat server"
	}
	return &ServerState{
		serverName:  serverName,
		seenTable:   make(map[string]int),
		callRoster:  make(map[string]bool),
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnRename registers a callback invoked whenever the owner renames the
// server, so main.go can persist the new name.
func (s *ServerState) SetOnRename(fn func(name string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRename = fn
}

// ServerName returns the current display name.
func (s *ServerState) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// OwnerUUID returns the UUID of the current room owner, or "" if none.
func (s *ServerState) OwnerUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerUUID
}

// AddSubscriber registers a new connected client. The first successful
// connection claims ownership (§12 supplement).
func (s *ServerState) AddSubscriber(uuid, displayName string) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscribers[uuid]; exists {
		return nil, fmt.Errorf("server: add subscriber: duplicate uuid")
	}
	sub := newSubscriber(uuid, displayName)
	s.subscribers[uuid] = sub
	if s.ownerUUID == "" {
		s.ownerUUID = uuid
		slog.Info("room ownership claimed", "component", "server", "uuid", uuid)
	}
	slog.Info("subscriber added", "component", "server", "uuid", uuid, "total", len(s.subscribers))
	return sub, nil
}

// RemoveSubscriber unregisters a client and, if it held the CallRoster slot
// or room ownership, clears those too. It reports whether the call roster
// changed (so the caller can broadcast a VoipState update) and the new
// owner UUID if ownership transferred.
func (s *ServerState) RemoveSubscriber(uuid string) (rosterChanged bool, newOwner string, ownerChanged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[uuid]
	if !ok {
		return false, "", false
	}
	delete(s.subscribers, uuid)
	close(sub.Outbound)

	if _, inCall := s.callRoster[uuid]; inCall {
		delete(s.callRoster, uuid)
		rosterChanged = true
	}

	if s.ownerUUID == uuid {
		s.ownerUUID = ""
		for candidate := range s.subscribers {
			s.ownerUUID = candidate
			break
		}
		newOwner, ownerChanged = s.ownerUUID, true
	}

	slog.Info("subscriber removed", "component", "server", "uuid", uuid, "remaining", len(s.subscribers))
	return rosterChanged, newOwner, ownerChanged
}

// Subscriber looks up a connected client's record.
func (s *ServerState) Subscriber(uuid string) (*Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[uuid]
	return sub, ok
}

// SubscriberCount returns the number of connected clients.
func (s *ServerState) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// snapshotTargets copies the current subscriber set under the lock, then
// releases it before any send is attempted — mirroring the teacher's
// broadcast-target-snapshot idiom so a slow subscriber's blocking send never
// holds up mutation of shared state.
func (s *ServerState) snapshotTargets(exceptUUID string) []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]*Subscriber, 0, len(s.subscribers))
	for uuid, sub := range s.subscribers {
		if uuid == exceptUUID {
			continue
		}
		targets = append(targets, sub)
	}
	return targets
}

// Broadcast pushes reply to every connected subscriber except exceptUUID
// (pass "" to include everyone). A subscriber whose outbound queue is full
// is dropped as a SlowConsumer (§4.4) rather than blocking the broadcast.
func (s *ServerState) Broadcast(reply protocol.ServerReply, exceptUUID string) {
	for _, sub := range s.snapshotTargets(exceptUUID) {
		select {
		case sub.Outbound <- reply:
		default:
			sub.MarkDropped()
			slog.Warn("slow consumer dropped", "component", "server", "uuid", sub.UUID)
		}
	}
}

// AppendNormal appends a new Normal ServerLog entry and returns it.
func (s *ServerState) AppendNormal(authorUUID, authorDisplay, text string, replyIndex *int) protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := protocol.ServerMessage{
		Index:             len(s.log),
		AuthorUUID:        authorUUID,
		AuthorDisplayName: authorDisplay,
		Timestamp:         time.Now().UTC(),
		ReplyIndex:        replyIndex,
		Payload:           protocol.Payload{Kind: protocol.PayloadNormal, Text: text},
	}
	s.log = append(s.log, msg)
	return msg
}

// AppendUpload appends a new Upload/Image/Audio ServerLog entry and returns it.
func (s *ServerState) AppendUpload(authorUUID, authorDisplay string, kind protocol.PayloadKind, filename, contentType, signature string, size int64) protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := protocol.ServerMessage{
		Index:             len(s.log),
		AuthorUUID:        authorUUID,
		AuthorDisplayName: authorDisplay,
		Timestamp:         time.Now().UTC(),
		Payload: protocol.Payload{
			Kind:        kind,
			Filename:    filename,
			ContentType: contentType,
			Signature:   signature,
			SizeBytes:   size,
		},
	}
	s.log = append(s.log, msg)
	return msg
}

// errIndexOutOfRange and friends are returned by mutation methods below;
// callers translate them into typed ServerReply error kinds.
var (
	errIndexOutOfRange = fmt.Errorf("server: index out of range")
	errUnauthorized    = fmt.Errorf("server: unauthorized")
	errInvalidTarget   = fmt.Errorf("server: invalid edit target")
)

// Edit mutates ServerLog[index] in place (§4.3, §4.4): replaces its text
// and sets Edited, or (newText == nil) marks it Deleted. Only the original
// author may do so; only a Normal payload may be edited or deleted (§13).
func (s *ServerState) Edit(callerUUID string, index int, newText *string) (protocol.ServerMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.log) {
		return protocol.ServerMessage{}, errIndexOutOfRange
	}
	msg := &s.log[index]
	if msg.AuthorUUID != callerUUID {
		return protocol.ServerMessage{}, errUnauthorized
	}
	if msg.Payload.Kind != protocol.PayloadNormal {
		return protocol.ServerMessage{}, errInvalidTarget
	}

	if newText != nil {
		msg.Payload.Text = *newText
		msg.Edited = true
	} else {
		msg.Payload = protocol.Payload{Kind: protocol.PayloadDeleted}
		msg.Edited = true
	}
	return *msg, nil
}

// AddReaction idempotently records authorUUID's emoji reaction on index.
func (s *ServerState) AddReaction(index int, emoji, authorUUID string) (protocol.ServerMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.log) {
		return protocol.ServerMessage{}, errIndexOutOfRange
	}
	msg := &s.log[index]
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	authors := msg.Reactions[emoji]
	for _, a := range authors {
		if a == authorUUID {
			return *msg, nil // idempotent no-op
		}
	}
	msg.Reactions[emoji] = append(authors, authorUUID)
	return *msg, nil
}

// RemoveReaction removes authorUUID's emoji reaction on index, silently
// tolerating a missing entry (§4.3).
func (s *ServerState) RemoveReaction(index int, emoji, authorUUID string) (protocol.ServerMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.log) {
		return protocol.ServerMessage{}, errIndexOutOfRange
	}
	msg := &s.log[index]
	authors := msg.Reactions[emoji]
	for i, a := range authors {
		if a == authorUUID {
			msg.Reactions[emoji] = append(authors[:i], authors[i+1:]...)
			slog.Debug("reaction removed", "component", "server", "index", index, "emoji", emoji)
			break
		}
	}
	return *msg, nil
}

// LogLen returns the current ServerLog length.
func (s *ServerState) LogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Tail returns ServerLog entries with index >= haveCount (§4.3 Sync).
func (s *ServerState) Tail(haveCount int) []protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if haveCount < 0 || haveCount >= len(s.log) {
		return nil
	}
	out := make([]protocol.ServerMessage, len(s.log)-haveCount)
	copy(out, s.log[haveCount:])
	return out
}

// EntryAt returns ServerLog[index] for FetchFile.
func (s *ServerState) EntryAt(index int) (protocol.ServerMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.log) {
		return protocol.ServerMessage{}, false
	}
	return s.log[index], true
}

// UpdateSeen applies a monotonic SeenTable update for uuid (§4.3: older
// values are ignored) and returns a copy of the full table for broadcast.
func (s *ServerState) UpdateSeen(uuid string, lastSeenIndex int) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.seenTable[uuid]; !ok || lastSeenIndex > cur {
		s.seenTable[uuid] = lastSeenIndex
	}
	out := make(map[string]int, len(s.seenTable))
	for k, v := range s.seenTable {
		out[k] = v
	}
	return out
}

// VoipConnect adds uuid to CallRoster if not already present. Returns the
// new roster snapshot and whether this call changed the roster.
func (s *ServerState) VoipConnect(uuid string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callRoster[uuid] {
		return s.rosterLocked(), false
	}
	s.callRoster[uuid] = true
	return s.rosterLocked(), true
}

// VoipDisconnect removes uuid from CallRoster if present.
func (s *ServerState) VoipDisconnect(uuid string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.callRoster[uuid] {
		return s.rosterLocked(), false
	}
	delete(s.callRoster, uuid)
	return s.rosterLocked(), true
}

// InCall reports whether uuid currently holds a CallRoster slot.
func (s *ServerState) InCall(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callRoster[uuid]
}

func (s *ServerState) rosterLocked() []string {
	out := make([]string, 0, len(s.callRoster))
	for uuid := range s.callRoster {
		out = append(out, uuid)
	}
	return out
}

// Roster returns a snapshot of the current CallRoster.
func (s *ServerState) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

// CallRosterTargets returns the live Subscriber records for every UUID
// currently in CallRoster except exceptUUID, for voice/video fan-out.
func (s *ServerState) CallRosterTargets(exceptUUID string) []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscriber, 0, len(s.callRoster))
	for uuid := range s.callRoster {
		if uuid == exceptUUID {
			continue
		}
		if sub, ok := s.subscribers[uuid]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// Rename sets the server's display name. Only the caller's authorization
// (room owner) is checked by handleRenameServer; this just persists the mutation
// and invokes the onRename callback.
func (s *ServerState) Rename(newName string) error {
	s.mu.Lock()
	cb := s.onRename
	s.serverName = newName
	s.mu.Unlock()
	if cb != nil {
		return cb(newName)
	}
	return nil
}
