package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"

	"github.com/marci1175/szechat/internal/chaterr"
	"github.com/marci1175/szechat/internal/protocol"
	"github.com/marci1175/szechat/internal/wire"
)

// session bundles the reliable control stream with the cipher negotiated at
// handshake, so dispatch (handlers.go) can reply without threading the transport
// through every call.
type session struct {
	stream io.ReadWriteCloser
	sess   *webtransport.Session
	cipher *wire.Cipher

	writeMu sync.Mutex // guards stream writes: the dispatch loop and the
	// outbound fan-out goroutine both call writeReply
}

func (s *session) writeReply(reply protocol.ServerReply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	sealed, err := s.cipher.Seal(body)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.stream, sealed)
}

// handleClient owns one WebTransport session end to end: handshake,
// control-message loop, and datagram relay (§4.2, §4.7, §5).
func handleClient(ctx context.Context, sess *webtransport.Session, state *ServerState, password string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Warn("accept control stream failed", "component", "server", "err", err)
		return
	}
	defer stream.Close()

	if err := stream.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		slog.Warn("set handshake deadline failed", "component", "server", "err", err)
	}
	sub, cipher, err := handshake(stream, state, password)
	if err != nil {
		slog.Info("handshake failed", "component", "server", "err", err)
		return
	}
	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		slog.Warn("clear handshake deadline failed", "component", "server", "err", err)
	}
	sub.sess = sess

	sc := &session{stream: stream, sess: sess, cipher: cipher}

	defer func() {
		rosterChanged, newOwner, ownerChanged := state.RemoveSubscriber(sub.UUID)
		if rosterChanged {
			broadcastVoipState(state)
		}
		if ownerChanged {
			slog.Info("room ownership transferred", "component", "server", "new_owner", newOwner)
		}
	}()

	// Outbound fan-out: drain this subscriber's broadcast queue onto its
	// control stream until the session ends or the queue is closed.
	go func() {
		for reply := range sub.Outbound {
			if err := sc.writeReply(reply); err != nil {
				slog.Info("control write failed", "component", "server", "uuid", sub.UUID, "err", err)
				cancel()
				return
			}
		}
	}()

	go readDatagrams(ctx, sess, state, sub)

	for {
		select {
		case <-sub.dropped:
			slog.Warn("evicting slow consumer", "component", "server", "uuid", sub.UUID)
			return
		default:
		}

		sealed, err := wire.ReadFrame(stream)
		if err != nil {
			if err != io.EOF {
				slog.Info("control read failed", "component", "server", "uuid", sub.UUID, "err", err)
			}
			return
		}
		body, err := cipher.Open(sealed)
		if err != nil {
			slog.Warn("control decrypt failed", "component", "server", "uuid", sub.UUID, "err", err)
			return
		}
		var req protocol.ClientRequest
		if err := json.Unmarshal(body, &req); err != nil {
			slog.Warn("control unmarshal failed", "component", "server", "uuid", sub.UUID, "err", err)
			return
		}
		dispatch(state, sub, sc, req)
	}
}

// handshake performs the plaintext Connect/ConnectAccept exchange (§4.2):
// both messages travel unencrypted because the session key doesn't exist
// until both contributions are known.
func handshake(stream io.ReadWriter, state *ServerState, password string) (*Subscriber, *wire.Cipher, error) {
	raw, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, nil, err
	}
	var req protocol.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, chaterr.ErrUnknownVariant
	}
	if req.Kind != protocol.ReqConnect {
		return nil, nil, chaterr.ErrUnknownVariant
	}

	reject := func(reason protocol.RejectReason) (*Subscriber, *wire.Cipher, error) {
		body, _ := json.Marshal(protocol.ServerReply{Kind: protocol.ReplyConnectReject, Reason: reason})
		_ = wire.WriteFrame(stream, body)
		return nil, nil, chaterr.ErrUnauthorized
	}

	if password != "" && req.Password != password {
		return reject(protocol.ReasonBadPassword)
	}
	if state.SubscriberCount() >= maxServerConnections {
		return reject(protocol.ReasonServerFull)
	}
	if _, exists := state.Subscriber(req.ClientUUID); exists {
		return reject(protocol.ReasonDuplicateUUID)
	}

	serverContribution := make([]byte, 32)
	if _, err := rand.Read(serverContribution); err != nil {
		return nil, nil, err
	}
	key, err := wire.DeriveSessionKey(req.ClientContribution, serverContribution)
	if err != nil {
		return nil, nil, err
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	sub, err := state.AddSubscriber(req.ClientUUID, req.Username)
	if err != nil {
		return reject(protocol.ReasonDuplicateUUID)
	}
	sub.cipher = cipher

	accept := protocol.ServerReply{Kind: protocol.ReplyConnectAccept, ServerContribution: serverContribution}
	body, err := json.Marshal(accept)
	if err != nil {
		return nil, nil, err
	}
	if err := wire.WriteFrame(stream, body); err != nil {
		return nil, nil, err
	}

	slog.Info("client connected", "component", "server", "uuid", sub.UUID, "username", req.Username)
	return sub, cipher, nil
}

// readDatagrams relays incoming voice/image datagrams from one client's
// session to every CallRoster participant. It stamps the authoritative
// sender UUID before fan-out to prevent spoofing (§4.6).
func readDatagrams(ctx context.Context, sess *webtransport.Session, state *ServerState, sub *Subscriber) {
	for {
		raw, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("datagram read failed", "component", "server", "uuid", sub.UUID, "err", err)
			}
			return
		}

		sealed, err := wire.DecodeDatagram(raw)
		if err != nil {
			continue // transient, per §4.8 — drop and continue
		}
		plaintext, err := sub.cipher.Open(sealed)
		if err != nil {
			slog.Warn("datagram decrypt failed", "component", "server", "uuid", sub.UUID, "err", err)
			continue
		}
		payload, kind, err := protocol.SplitKind(plaintext)
		if err != nil {
			continue
		}

		relayDatagram(state, sub, kind, payload)
	}
}

// relayDatagram re-stamps the authoritative sender UUID onto payload,
// re-encodes it for the given kind, and fans it out — re-sealed with each
// recipient's own per-session cipher, since §4.2's session key is
// negotiated per client-server pair, not shared — to every other
// CallRoster participant (§4.6).
func relayDatagram(state *ServerState, sub *Subscriber, kind protocol.DatagramKind, payload []byte) {
	var relayed []byte
	var err error

	switch kind {
	case protocol.DatagramVoice:
		samples, _, decErr := protocol.DecodeVoiceDatagram(payload)
		if decErr != nil {
			return
		}
		relayed, err = protocol.EncodeVoiceDatagram(samples, sub.UUID)
	case protocol.DatagramImageHeader:
		hdr, decErr := protocol.DecodeImageHeaderDatagram(payload)
		if decErr != nil {
			return
		}
		hdr.SenderUUID = sub.UUID
		relayed, err = protocol.EncodeImageHeaderDatagram(hdr)
	case protocol.DatagramImagePart:
		part, decErr := protocol.DecodeImagePartDatagram(payload)
		if decErr != nil {
			return
		}
		relayed, err = protocol.EncodeImagePartDatagram(part.Bytes, part.PartHash, sub.UUID, part.FrameID)
	default:
		return
	}
	if err != nil {
		return
	}

	for _, target := range state.CallRosterTargets(sub.UUID) {
		if target.health.shouldSkip() {
			continue
		}
		sealed, err := target.cipher.Seal(relayed)
		if err != nil {
			continue
		}
		if err := target.sess.SendDatagram(wire.EncodeDatagram(sealed)); err != nil {
			target.health.recordFailure()
			continue
		}
		target.health.recordSuccess()
	}
}

// broadcastVoipState broadcasts the current CallRoster to every connected
// subscriber as a transient, non-persisted ServerLog entry (§4.5, §12).
func broadcastVoipState(state *ServerState) {
	state.Broadcast(protocol.ServerReply{
		Kind: protocol.ReplySync,
		Message: &protocol.ServerMessage{
			Index:   protocol.TransientIndex,
			Payload: protocol.Payload{Kind: protocol.PayloadVoipState, CallRoster: state.Roster()},
		},
	}, "")
}
