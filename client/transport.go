package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/marci1175/szechat/internal/protocol"
	"github.com/marci1175/szechat/internal/supervisor"
	"github.com/marci1175/szechat/internal/wire"
)

const (
	// connectTimeout bounds the WebTransport dial plus the Connect/ConnectAccept
	// handshake round trip (§5 Timeouts).
	connectTimeout = 10 * time.Second
	// syncInterval is the sync task's tick period (§4.5, §5).
	syncInterval = 2 * time.Second
	// requestTimeout bounds a direct-reply round trip (Fetch*/Voip*).
	requestTimeout = 5 * time.Second
	// maxImagePartBytes keeps one ImagePart datagram well under a safe UDP
	// payload size once the hash/uuid/frame-id/kind suffix is added (§4.6).
	maxImagePartBytes = 1100
)

// isDirectReply reports whether kind is sent as a direct response to a
// specific request (Fetch*/Voip*/its error paths), as opposed to ReplySync
// which is always an asynchronous broadcast event (§4.3, §4.5).
func isDirectReply(kind protocol.ReplyKind) bool {
	switch kind {
	case protocol.ReplyFile, protocol.ReplyImage, protocol.ReplyAudio, protocol.ReplyClient,
		protocol.ReplyVoipSuccess, protocol.ReplyVoipFail,
		protocol.ReplyUnauthorized, protocol.ReplyStateError, protocol.ReplyInvalidTarget:
		return true
	default:
		return false
	}
}

// Transport owns one WebTransport session to a szechat server: the
// encrypted reliable control stream, the unreliable voice/video datagram
// channel, and the supervisor tree that keeps their tasks independently
// cancellable (§4.1, §5). It implements the Transporter interface.
type Transport struct {
	mu      sync.Mutex
	session *webtransport.Session
	stream  io.ReadWriteCloser
	cipher  *wire.Cipher
	sup     *supervisor.Supervisor
	uuid    string
	voipCtx context.Context // set by VoipConnect, cleared by VoipDisconnect

	writeMu sync.Mutex // serializes frame writes on the control stream

	reqMu    sync.Mutex // serializes request/direct-reply round trips
	pending  chan protocol.ServerReply
	awaiting atomic.Bool // true only while a request() call is waiting on pending

	cbMu         sync.Mutex
	onMessage    func(*protocol.ServerMessage)
	onVoipState  func([]string)
	onSeenTable  func(map[string]int)
	onVoiceChunk func(senderUUID string, samples []byte)
	onImageFrame func(senderUUID string, jpeg []byte)
	onFatal      func(error)

	haveCount atomic.Int64
	lastSeen  atomic.Int64 // -1 until a non-transient message is seen
}

// NewTransport returns a Transport ready to Connect.
func NewTransport() *Transport {
	t := &Transport{pending: make(chan protocol.ServerReply, 1)}
	t.lastSeen.Store(-1)
	return t
}

// SetClientUUID sets the stable identity Connect presents to the server.
// Must be called before Connect; the caller is responsible for persisting
// this value across sessions (see client/internal/config).
func (t *Transport) SetClientUUID(id string) {
	t.mu.Lock()
	t.uuid = id
	t.mu.Unlock()
}

// MyUUID returns this session's stable client identity.
func (t *Transport) MyUUID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uuid
}

// Connect dials addr, performs the plaintext Connect/ConnectAccept handshake
// (§4.2), derives the session key, and starts the receive, sync, and
// datagram tasks under a fresh supervisor (§5).
func (t *Transport) Connect(ctx context.Context, addr, username, password string) error {
	normalized, err := normalizeServerAddr(addr)
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed server cert
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}
	_, sess, err := d.Dial(dialCtx, "https://"+normalized+"/connect", http.Header{})
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "failed to open control stream")
		return fmt.Errorf("client: open control stream: %w", err)
	}

	clientContribution := make([]byte, 32)
	if _, err := rand.Read(clientContribution); err != nil {
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: generate contribution: %w", err)
	}

	id := t.MyUUID()
	connectReq := protocol.ClientRequest{
		Kind:               protocol.ReqConnect,
		ClientUUID:         id,
		Username:           username,
		Password:           password,
		ClientContribution: clientContribution,
	}
	body, err := json.Marshal(connectReq)
	if err != nil {
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: marshal connect: %w", err)
	}
	if err := wire.WriteFrame(stream, body); err != nil {
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: send connect: %w", err)
	}

	raw, err := wire.ReadFrame(stream)
	if err != nil {
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: read connect reply: %w", err)
	}
	var reply protocol.ServerReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: decode connect reply: %w", err)
	}
	switch reply.Kind {
	case protocol.ReplyConnectReject:
		sess.CloseWithError(0, "rejected")
		return fmt.Errorf("client: connect rejected: %s", reply.Reason)
	case protocol.ReplyConnectAccept:
		// fall through
	default:
		sess.CloseWithError(0, "handshake failure")
		return fmt.Errorf("client: unexpected handshake reply kind %d", reply.Kind)
	}

	key, err := wire.DeriveSessionKey(clientContribution, reply.ServerContribution)
	if err != nil {
		sess.CloseWithError(0, "handshake failure")
		return err
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		sess.CloseWithError(0, "handshake failure")
		return err
	}

	t.mu.Lock()
	t.session = sess
	t.stream = stream
	t.cipher = cipher
	t.uuid = id
	t.sup = supervisor.New(ctx)
	sup := t.sup
	t.mu.Unlock()
	t.haveCount.Store(0)
	t.lastSeen.Store(-1)

	sup.Go(func(ctx context.Context) error { return t.readLoop(ctx) })
	sup.Go(func(ctx context.Context) error { return t.syncLoop(ctx) })
	sup.Go(func(ctx context.Context) error { return t.readDatagrams(ctx) })

	go func() {
		select {
		case err := <-sup.Err():
			t.cbMu.Lock()
			onFatal := t.onFatal
			t.cbMu.Unlock()
			if onFatal != nil {
				onFatal(err)
			}
		case <-sup.Context().Done():
		}
	}()

	slog.Info("connected", "component", "client", "uuid", id, "addr", normalized)
	return nil
}

// Disconnect tears down every task the session owns and closes the
// transport. Safe to call even if Connect never succeeded.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	sup := t.sup
	stream := t.stream
	sess := t.session
	t.sup, t.stream, t.session, t.cipher, t.voipCtx = nil, nil, nil, nil, nil
	t.mu.Unlock()

	if sup != nil {
		sup.Shutdown()
	}
	if stream != nil {
		stream.Close()
	}
	if sess != nil {
		sess.CloseWithError(0, "disconnect")
	}
}

// writeRequest stamps req with this session's identity, seals it, and
// frames it onto the control stream.
func (t *Transport) writeRequest(req protocol.ClientRequest) error {
	t.mu.Lock()
	stream := t.stream
	cipher := t.cipher
	id := t.uuid
	t.mu.Unlock()
	if stream == nil || cipher == nil {
		return fmt.Errorf("client: not connected")
	}
	req.ClientUUID = id

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	sealed, err := cipher.Seal(body)
	if err != nil {
		return fmt.Errorf("client: seal request: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteFrame(stream, sealed)
}

// send issues a fire-and-forget request: the outcome, if any, arrives later
// as a broadcast ReplySync (success) or an uncorrelated error reply
// (failure), matching the protocol's lack of per-request correlation IDs.
func (t *Transport) send(req protocol.ClientRequest) error {
	return t.writeRequest(req)
}

// request issues a request that the server answers with a single direct
// reply (Fetch*/Voip*), and waits for it. reqMu serializes these so the
// single pending slot can't be raced by a concurrent caller, and awaiting
// gates dispatchReply so a direct reply is only ever handed to request()
// while one is actually waiting — otherwise an uncorrelated error reply to
// a fire-and-forget Edit/Reaction/Upload/RenameServer could be mistaken for
// this call's answer (the wire protocol carries no per-request correlation
// ID to disambiguate them precisely).
func (t *Transport) request(ctx context.Context, req protocol.ClientRequest) (protocol.ServerReply, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	// Drop anything left over from a previous call that timed out after the
	// server's reply was already buffered.
	select {
	case <-t.pending:
	default:
	}

	t.awaiting.Store(true)
	defer t.awaiting.Store(false)

	if err := t.writeRequest(req); err != nil {
		return protocol.ServerReply{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case reply := <-t.pending:
		return reply, nil
	case <-reqCtx.Done():
		return protocol.ServerReply{}, fmt.Errorf("client: request timed out")
	}
}

// readLoop is the receive task: it awaits the next framed reply, decrypts,
// deserializes, and dispatches it (§5 task 1).
func (t *Transport) readLoop(ctx context.Context) error {
	for {
		t.mu.Lock()
		stream := t.stream
		cipher := t.cipher
		t.mu.Unlock()
		if stream == nil {
			return nil
		}

		raw, err := wire.ReadFrame(stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: read frame: %w", err)
		}
		body, err := cipher.Open(raw)
		if err != nil {
			return fmt.Errorf("client: decrypt frame: %w", err)
		}
		var reply protocol.ServerReply
		if err := json.Unmarshal(body, &reply); err != nil {
			return fmt.Errorf("client: decode reply: %w", err)
		}

		t.dispatchReply(reply)
	}
}

// dispatchReply routes an incoming ServerReply: ReplySync messages are
// always asynchronous broadcasts and go straight to the message/voip
// callbacks; every other kind is a direct reply to whichever request is
// currently waiting in request().
func (t *Transport) dispatchReply(reply protocol.ServerReply) {
	if reply.Kind == protocol.ReplySync {
		if reply.Message != nil {
			if !reply.Message.IsTransient() {
				t.haveCount.Add(1)
				if int64(reply.Message.Index) > t.lastSeen.Load() {
					t.lastSeen.Store(int64(reply.Message.Index))
				}
			}
			t.cbMu.Lock()
			onMessage := t.onMessage
			onVoip := t.onVoipState
			onSeen := t.onSeenTable
			t.cbMu.Unlock()
			if onMessage != nil {
				onMessage(reply.Message)
			}
			if reply.Message.Payload.Kind == protocol.PayloadVoipState && onVoip != nil {
				onVoip(reply.Message.Payload.CallRoster)
			}
			if reply.SeenTable != nil && onSeen != nil {
				onSeen(reply.SeenTable)
			}
		}
		return
	}

	if !isDirectReply(reply.Kind) {
		slog.Warn("unknown reply kind", "component", "client", "kind", reply.Kind)
		return
	}

	if !t.awaiting.Load() {
		// Nobody is waiting in request(): this is an uncorrelated error
		// reply to a fire-and-forget request (Edit/Reaction/Upload/
		// RenameServer). Never buffer it into pending — a later request()
		// call must not mistake a stale reply for its own answer.
		if reply.Detail != "" {
			slog.Warn("unrequested server reply", "component", "client", "kind", reply.Kind, "detail", reply.Detail)
		}
		return
	}

	select {
	case t.pending <- reply:
	default:
		if reply.Detail != "" {
			slog.Warn("unrequested server reply", "component", "client", "kind", reply.Kind, "detail", reply.Detail)
		}
	}
}

// syncLoop is the sync task: every tick it asks for any ServerLog entries
// beyond HaveCount and reports LastSeenIndex, but only sends when
// LastSeenIndex has advanced since the previous tick; otherwise it sleeps
// (§4.5, §5).
func (t *Transport) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	const unsent = math.MinInt64 // forces the first tick to always send
	sentSeen := int64(unsent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := t.lastSeen.Load()
			if last == sentSeen {
				continue
			}

			var lastSeenIndex *int
			if last >= 0 {
				v := int(last)
				lastSeenIndex = &v
			}
			req := protocol.ClientRequest{
				Kind:          protocol.ReqSync,
				HaveCount:     int(t.haveCount.Load()),
				LastSeenIndex: lastSeenIndex,
			}
			if err := t.send(req); err != nil {
				return err
			}
			sentSeen = last
		}
	}
}

// readDatagrams is the voice/video receiver task: it decrypts each incoming
// datagram, strips the kind tag, and either forwards a voice chunk directly
// or feeds an image datagram into the per-sender reassembler (§4.6, §5).
func (t *Transport) readDatagrams(ctx context.Context) error {
	t.mu.Lock()
	sess := t.session
	cipher := t.cipher
	t.mu.Unlock()
	if sess == nil {
		return nil
	}

	frames := newFrameReassembler()

	for {
		raw, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: receive datagram: %w", err)
		}

		sealed, err := wire.DecodeDatagram(raw)
		if err != nil {
			continue // transient, per §4.8 — drop and continue
		}
		plaintext, err := cipher.Open(sealed)
		if err != nil {
			continue
		}
		payload, kind, err := protocol.SplitKind(plaintext)
		if err != nil {
			continue
		}

		switch kind {
		case protocol.DatagramVoice:
			samples, senderUUID, decErr := protocol.DecodeVoiceDatagram(payload)
			if decErr != nil {
				continue
			}
			t.cbMu.Lock()
			onVoice := t.onVoiceChunk
			t.cbMu.Unlock()
			if onVoice != nil {
				onVoice(senderUUID, samples)
			}

		case protocol.DatagramImageHeader:
			hdr, decErr := protocol.DecodeImageHeaderDatagram(payload)
			if decErr != nil {
				continue
			}
			frames.header(hdr)

		case protocol.DatagramImagePart:
			part, decErr := protocol.DecodeImagePartDatagram(payload)
			if decErr != nil {
				continue
			}
			if jpeg, ok := frames.part(part); ok {
				t.cbMu.Lock()
				onFrame := t.onImageFrame
				t.cbMu.Unlock()
				if onFrame != nil {
					onFrame(part.SenderUUID, jpeg)
				}
			}
		}
	}
}

// SendText submits a new chat message, optionally replying to replyIndex.
func (t *Transport) SendText(text string, replyIndex *int) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqSendNormal, Text: text, ReplyIndex: replyIndex})
}

// EditMessage replaces the text of a previously sent Normal message.
func (t *Transport) EditMessage(index int, newText string) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqEdit, Index: index, NewText: &newText})
}

// AddReaction adds an emoji reaction to index; adding the same reaction
// twice is a no-op on the server.
func (t *Transport) AddReaction(index int, emoji string) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqReactionAdd, Index: index, Emoji: emoji})
}

// RemoveReaction removes a previously added reaction from index.
func (t *Transport) RemoveReaction(index int, emoji string) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqReactionRemove, Index: index, Emoji: emoji})
}

// UploadFile submits a generic file blob.
func (t *Transport) UploadFile(filename string, data []byte) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqUpload, UploadKind: protocol.UploadFile, Filename: filename, Bytes: data})
}

// UploadImage submits a still-image blob.
func (t *Transport) UploadImage(filename string, data []byte) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqUpload, UploadKind: protocol.UploadImage, Filename: filename, Bytes: data})
}

// UploadAudio submits a recorded-audio blob.
func (t *Transport) UploadAudio(filename string, data []byte) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqUpload, UploadKind: protocol.UploadAudio, Filename: filename, Bytes: data})
}

// FetchFile retrieves the blob referenced by ServerLog[index].
func (t *Transport) FetchFile(index int) ([]byte, string, error) {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqFetchFile, Index: index})
	if err != nil {
		return nil, "", err
	}
	if reply.Kind != protocol.ReplyFile {
		return nil, "", replyError(reply)
	}
	return reply.FileBytes, reply.ContentType, nil
}

// FetchImage retrieves a blob directly by content signature.
func (t *Transport) FetchImage(signature string) ([]byte, string, error) {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqFetchImage, Signature: signature})
	if err != nil {
		return nil, "", err
	}
	if reply.Kind != protocol.ReplyImage {
		return nil, "", replyError(reply)
	}
	return reply.FileBytes, reply.ContentType, nil
}

// FetchAudio retrieves a blob directly by content signature.
func (t *Transport) FetchAudio(signature string) ([]byte, string, error) {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqFetchAudio, Signature: signature})
	if err != nil {
		return nil, "", err
	}
	if reply.Kind != protocol.ReplyAudio {
		return nil, "", replyError(reply)
	}
	return reply.FileBytes, reply.ContentType, nil
}

// FetchClient retrieves another client's public identity.
func (t *Transport) FetchClient(targetUUID string) (protocol.ClientIdentity, error) {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqFetchClient, TargetUUID: targetUUID})
	if err != nil {
		return protocol.ClientIdentity{}, err
	}
	if reply.Kind != protocol.ReplyClient || reply.Profile == nil {
		return protocol.ClientIdentity{}, replyError(reply)
	}
	return *reply.Profile, nil
}

// VoipConnect joins the voice/video call and starts the supervisor's voip
// subtree; the voice/video sender tasks derive their cancellation from
// VoipTaskContext so leaving the call (without tearing down the session)
// stops them (§5, §9).
func (t *Transport) VoipConnect() error {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqVoipConnect})
	if err != nil {
		return err
	}
	if reply.Kind != protocol.ReplyVoipSuccess {
		return replyError(reply)
	}

	t.mu.Lock()
	if t.sup != nil {
		t.voipCtx = t.sup.VoipContext()
	}
	t.mu.Unlock()
	return nil
}

// VoipDisconnect leaves the voice/video call and cancels the supervisor's
// voip subtree, stopping any task derived from VoipTaskContext.
func (t *Transport) VoipDisconnect() error {
	reply, err := t.request(context.Background(), protocol.ClientRequest{Kind: protocol.ReqVoipDisconnect})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.sup != nil {
		t.sup.LeaveVoip()
	}
	t.voipCtx = nil
	t.mu.Unlock()

	if reply.Kind != protocol.ReplyVoipSuccess {
		return replyError(reply)
	}
	return nil
}

// VoipTaskContext returns the context governing the current call's
// voice/video sender tasks. It is canceled by VoipDisconnect or a fatal
// session error, whichever comes first. Outside a call it returns a
// context that is already done, so callers never block on it.
func (t *Transport) VoipTaskContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.voipCtx != nil {
		return t.voipCtx
	}
	done, cancel := context.WithCancel(context.Background())
	cancel()
	return done
}

// RenameServer requests an owner-only server display-name change.
func (t *Transport) RenameServer(newName string) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqRenameServer, NewName: newName})
}

// KickUser requests an owner-only forced disconnect of another client.
func (t *Transport) KickUser(targetUUID string) error {
	return t.send(protocol.ClientRequest{Kind: protocol.ReqKick, KickUUID: targetUUID})
}

// SendVoiceChunk transmits one WAV-chunked voice datagram (§4.6).
func (t *Transport) SendVoiceChunk(samples []byte) error {
	t.mu.Lock()
	sess := t.session
	cipher := t.cipher
	id := t.uuid
	t.mu.Unlock()
	if sess == nil || cipher == nil {
		return fmt.Errorf("client: not connected")
	}

	plaintext, err := protocol.EncodeVoiceDatagram(samples, id)
	if err != nil {
		return err
	}
	return sendDatagram(sess, cipher, plaintext)
}

// SendImageFrame splits a JPEG frame into parts and transmits the header
// followed by each part (§4.6).
func (t *Transport) SendImageFrame(jpeg []byte) error {
	t.mu.Lock()
	sess := t.session
	cipher := t.cipher
	id := t.uuid
	t.mu.Unlock()
	if sess == nil || cipher == nil {
		return fmt.Errorf("client: not connected")
	}

	frameID, err := protocol.NewFrameID()
	if err != nil {
		return err
	}

	parts := splitBytes(jpeg, maxImagePartBytes)
	hashes := make([]string, len(parts))
	for i, p := range parts {
		hashes[i] = hashPart(p)
	}

	hdr, err := protocol.EncodeImageHeaderDatagram(protocol.ImageHeaderMsg{SenderUUID: id, FrameID: frameID, PartHashes: hashes})
	if err != nil {
		return err
	}
	if err := sendDatagram(sess, cipher, hdr); err != nil {
		return err
	}

	for i, p := range parts {
		part, err := protocol.EncodeImagePartDatagram(p, hashes[i], id, frameID)
		if err != nil {
			return err
		}
		if err := sendDatagram(sess, cipher, part); err != nil {
			return err
		}
	}
	return nil
}

func sendDatagram(sess *webtransport.Session, cipher *wire.Cipher, plaintext []byte) error {
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		return err
	}
	return sess.SendDatagram(wire.EncodeDatagram(sealed))
}

// splitBytes splits data into chunks of at most size bytes. A
// zero-length data still yields one (empty) part so the header's part count
// stays consistent with at least one ImagePart datagram.
func splitBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var parts [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[i:end])
	}
	return parts
}

func hashPart(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func replyError(reply protocol.ServerReply) error {
	if reply.Detail != "" {
		return fmt.Errorf("client: %s", reply.Detail)
	}
	if reply.Reason != "" {
		return fmt.Errorf("client: %s", reply.Reason)
	}
	return fmt.Errorf("client: request failed with reply kind %d", reply.Kind)
}

// SetOnMessage registers the callback invoked for every ServerLog entry
// received, including the replay delivered during initial sync.
func (t *Transport) SetOnMessage(fn func(*protocol.ServerMessage)) {
	t.cbMu.Lock()
	t.onMessage = fn
	t.cbMu.Unlock()
}

// SetOnVoipState registers the callback invoked whenever CallRoster changes.
func (t *Transport) SetOnVoipState(fn func([]string)) {
	t.cbMu.Lock()
	t.onVoipState = fn
	t.cbMu.Unlock()
}

// SetOnSeenTable registers the callback invoked whenever the server
// broadcasts an updated per-user last-seen-index table (§4.3, §4.5, §6).
func (t *Transport) SetOnSeenTable(fn func(map[string]int)) {
	t.cbMu.Lock()
	t.onSeenTable = fn
	t.cbMu.Unlock()
}

// SetOnVoiceChunk registers the callback invoked for every decoded voice
// datagram from a peer.
func (t *Transport) SetOnVoiceChunk(fn func(senderUUID string, samples []byte)) {
	t.cbMu.Lock()
	t.onVoiceChunk = fn
	t.cbMu.Unlock()
}

// SetOnImageFrame registers the callback invoked once a peer's video frame
// has been fully reassembled.
func (t *Transport) SetOnImageFrame(fn func(senderUUID string, jpeg []byte)) {
	t.cbMu.Lock()
	t.onImageFrame = fn
	t.cbMu.Unlock()
}

// SetOnFatal registers the callback invoked once if the session terminates
// unexpectedly (a supervised task returned a fatal error).
func (t *Transport) SetOnFatal(fn func(error)) {
	t.cbMu.Lock()
	t.onFatal = fn
	t.cbMu.Unlock()
}

// frameSlot is one part of a frame being reassembled.
type frameSlot struct {
	filled bool
	bytes  []byte
}

// frameEntry tracks one ImageHeader's expected parts and currently-filled
// slots.
type frameEntry struct {
	partHashes []string
	slots      []frameSlot
}

// senderFrames tracks in-flight frames for one sender, in header-arrival
// order so a completed frame can drain every older partial frame (§4.6).
type senderFrames struct {
	order []string
	byID  map[string]*frameEntry
}

// frameReassembler reassembles ImageHeader/ImagePart datagrams into
// complete JPEGs per sender (§3 ImageHeader/ImagePart, §4.6).
type frameReassembler struct {
	bySender map[string]*senderFrames
}

func newFrameReassembler() *frameReassembler {
	return &frameReassembler{bySender: make(map[string]*senderFrames)}
}

// header records a fresh ImageHeader's expected part hashes.
func (r *frameReassembler) header(hdr protocol.ImageHeaderMsg) {
	sf, ok := r.bySender[hdr.SenderUUID]
	if !ok {
		sf = &senderFrames{byID: make(map[string]*frameEntry)}
		r.bySender[hdr.SenderUUID] = sf
	}
	sf.byID[hdr.FrameID] = &frameEntry{
		partHashes: hdr.PartHashes,
		slots:      make([]frameSlot, len(hdr.PartHashes)),
	}
	sf.order = append(sf.order, hdr.FrameID)
}

// part fills one part's slot. When every slot of its frame is filled, it
// concatenates the parts in header order, drains that frame and every older
// partial frame from the sender's state, and returns the reassembled JPEG.
func (r *frameReassembler) part(p protocol.ImagePart) (jpeg []byte, ok bool) {
	sf, exists := r.bySender[p.SenderUUID]
	if !exists {
		return nil, false
	}
	entry, exists := sf.byID[p.FrameID]
	if !exists {
		return nil, false
	}

	idx := -1
	for i, h := range entry.partHashes {
		if h == p.PartHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	entry.slots[idx] = frameSlot{filled: true, bytes: p.Bytes}

	for _, s := range entry.slots {
		if !s.filled {
			return nil, false
		}
	}

	var buf []byte
	for _, s := range entry.slots {
		buf = append(buf, s.bytes...)
	}

	drainIdx := -1
	for i, id := range sf.order {
		if id == p.FrameID {
			drainIdx = i
			break
		}
	}
	if drainIdx >= 0 {
		for _, id := range sf.order[:drainIdx+1] {
			delete(sf.byID, id)
		}
		sf.order = sf.order[drainIdx+1:]
	}

	return buf, true
}
