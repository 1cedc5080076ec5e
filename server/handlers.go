package main

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/marci1175/szechat/internal/chaterr"
	"github.com/marci1175/szechat/internal/protocol"
	"github.com/marci1175/szechat/server/internal/blob"
)

// blobStore is set once at startup by main.go; dispatch needs it for
// Upload/FetchFile/FetchImage/FetchAudio.
var blobStore *blob.Store

// dispatch handles one decoded ClientRequest for sub, replying on sc and
// broadcasting mutations through state. This is the control-protocol
// switch described by §4.3: an accepted SendNormal or Upload appends one
// new ServerLog entry, and an accepted Edit or Reaction mutates an existing
// entry in place; either way the resulting entry is broadcast to everyone.
// FetchX, Sync, Voip*, RenameServer, and Kick add no ServerLog entry.
func dispatch(state *ServerState, sub *Subscriber, sc *session, req protocol.ClientRequest) {
	switch req.Kind {
	case protocol.ReqSendNormal:
		msg := state.AppendNormal(sub.UUID, sub.DisplayName, req.Text, req.ReplyIndex)
		state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &msg}, "")

	case protocol.ReqEdit:
		msg, err := state.Edit(sub.UUID, req.Index, req.NewText)
		if err != nil {
			replyStateErr(sc, err)
			return
		}
		state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &msg}, "")

	case protocol.ReqReactionAdd:
		msg, err := state.AddReaction(req.Index, req.Emoji, sub.UUID)
		if err != nil {
			replyStateErr(sc, err)
			return
		}
		state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &msg}, "")

	case protocol.ReqReactionRemove:
		msg, err := state.RemoveReaction(req.Index, req.Emoji, sub.UUID)
		if err != nil {
			replyStateErr(sc, err)
			return
		}
		state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &msg}, "")

	case protocol.ReqUpload:
		handleUpload(state, sub, sc, req)

	case protocol.ReqFetchFile:
		handleFetchFile(state, sc, req)

	case protocol.ReqFetchImage, protocol.ReqFetchAudio:
		handleFetchBySignature(sc, req)

	case protocol.ReqFetchClient:
		handleFetchClient(state, sc, req)

	case protocol.ReqSync:
		handleSync(state, sub, sc, req)

	case protocol.ReqVoipConnect:
		handleVoipConnect(state, sub, sc)

	case protocol.ReqVoipDisconnect:
		handleVoipDisconnect(state, sub, sc)

	case protocol.ReqRenameServer:
		handleRenameServer(state, sub, sc, req)

	case protocol.ReqKick:
		handleKick(state, sub, sc, req)

	default:
		slog.Warn("unknown request kind", "component", "server", "uuid", sub.UUID, "kind", req.Kind)
	}
}

func replyStateErr(sc *session, err error) {
	reply := protocol.ServerReply{Detail: err.Error()}
	switch {
	case errors.Is(err, errUnauthorized):
		reply.Kind = protocol.ReplyUnauthorized
	case errors.Is(err, errInvalidTarget):
		reply.Kind = protocol.ReplyInvalidTarget
	default:
		reply.Kind = protocol.ReplyStateError
	}
	if err := sc.writeReply(reply); err != nil {
		slog.Info("reply write failed", "component", "server", "err", err)
	}
}

// handleUpload stores the uploaded bytes content-addressed (§4.3, §12) and
// appends an Upload/Image/Audio metadata entry.
func handleUpload(state *ServerState, sub *Subscriber, sc *session, req protocol.ClientRequest) {
	if blobStore == nil {
		replyStateErr(sc, errors.New("server: upload storage unavailable"))
		return
	}
	signature, size, err := blobStore.Put(bytes.NewReader(req.Bytes))
	if err != nil {
		slog.Warn("upload store failed", "component", "server", "uuid", sub.UUID, "err", err)
		replyStateErr(sc, err)
		return
	}

	var kind protocol.PayloadKind
	switch req.UploadKind {
	case protocol.UploadImage:
		kind = protocol.PayloadImage
	case protocol.UploadAudio:
		kind = protocol.PayloadAudio
	default:
		kind = protocol.PayloadUpload
	}

	msg := state.AppendUpload(sub.UUID, sub.DisplayName, kind, req.Filename, contentTypeFor(req.UploadKind), signature, size)
	state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &msg}, "")
}

func contentTypeFor(kind protocol.UploadKind) string {
	switch kind {
	case protocol.UploadImage:
		return "image/jpeg"
	case protocol.UploadAudio:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// handleFetchFile resolves ServerLog[index]'s blob and replies with its
// bytes directly to the requester, bypassing the broadcast queue (§4.4).
func handleFetchFile(state *ServerState, sc *session, req protocol.ClientRequest) {
	entry, ok := state.EntryAt(req.Index)
	if !ok {
		replyStateErr(sc, errIndexOutOfRange)
		return
	}
	fetchBlob(sc, entry.Payload.Signature, entry.Payload.ContentType, protocol.ReplyFile)
}

func handleFetchBySignature(sc *session, req protocol.ClientRequest) {
	kind := protocol.ReplyImage
	if req.Kind == protocol.ReqFetchAudio {
		kind = protocol.ReplyAudio
	}
	fetchBlob(sc, req.Signature, "", kind)
}

func fetchBlob(sc *session, signature, contentType string, replyKind protocol.ReplyKind) {
	if blobStore == nil || signature == "" {
		replyStateErr(sc, errors.New("server: blob not found"))
		return
	}
	f, err := blobStore.Open(signature)
	if err != nil {
		replyStateErr(sc, err)
		return
	}
	defer f.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(f); err != nil {
		replyStateErr(sc, err)
		return
	}
	if err := sc.writeReply(protocol.ServerReply{Kind: replyKind, ContentType: contentType, FileBytes: buf.Bytes()}); err != nil {
		slog.Info("reply write failed", "component", "server", "err", err)
	}
}

func handleFetchClient(state *ServerState, sc *session, req protocol.ClientRequest) {
	target, ok := state.Subscriber(req.TargetUUID)
	if !ok {
		replyStateErr(sc, chaterr.ErrUnknownSender)
		return
	}
	profile := &protocol.ClientIdentity{UUID: target.UUID, Username: target.DisplayName, DisplayName: target.DisplayName}
	if err := sc.writeReply(protocol.ServerReply{Kind: protocol.ReplyClient, Profile: profile}); err != nil {
		slog.Info("reply write failed", "component", "server", "err", err)
	}
}

// handleSync streams any missing tail entries through the broadcast
// channel (so the receive task handles them uniformly) and updates
// SeenTable (§4.3, §4.5).
func handleSync(state *ServerState, sub *Subscriber, sc *session, req protocol.ClientRequest) {
	tail := state.Tail(req.HaveCount)
	for i := range tail {
		if err := sc.writeReply(protocol.ServerReply{Kind: protocol.ReplySync, Message: &tail[i]}); err != nil {
			slog.Info("sync reply write failed", "component", "server", "uuid", sub.UUID, "err", err)
			return
		}
	}

	if req.LastSeenIndex != nil {
		seenTable := state.UpdateSeen(sub.UUID, *req.LastSeenIndex)
		marker := protocol.ServerMessage{Index: protocol.TransientIndex, Payload: protocol.Payload{Kind: protocol.PayloadSyncMarker}}
		state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &marker, SeenTable: seenTable}, "")
	}
}

func handleVoipConnect(state *ServerState, sub *Subscriber, sc *session) {
	if state.InCall(sub.UUID) {
		_ = sc.writeReply(protocol.ServerReply{Kind: protocol.ReplyVoipFail, Reason: protocol.ReasonAlreadyInCall})
		return
	}
	_, changed := state.VoipConnect(sub.UUID)
	if err := sc.writeReply(protocol.ServerReply{Kind: protocol.ReplyVoipSuccess}); err != nil {
		slog.Info("voip reply write failed", "component", "server", "uuid", sub.UUID, "err", err)
	}
	if changed {
		broadcastVoipState(state)
	}
}

func handleVoipDisconnect(state *ServerState, sub *Subscriber, sc *session) {
	if !state.InCall(sub.UUID) {
		_ = sc.writeReply(protocol.ServerReply{Kind: protocol.ReplyVoipFail, Reason: protocol.ReasonNotInCall})
		return
	}
	_, changed := state.VoipDisconnect(sub.UUID)
	if err := sc.writeReply(protocol.ServerReply{Kind: protocol.ReplyVoipSuccess}); err != nil {
		slog.Info("voip reply write failed", "component", "server", "uuid", sub.UUID, "err", err)
	}
	if changed {
		broadcastVoipState(state)
	}
}

// handleRenameServer applies an owner-only display-name change (§12
// supplement, grounded on the teacher's room-ownership administration).
func handleRenameServer(state *ServerState, sub *Subscriber, sc *session, req protocol.ClientRequest) {
	if state.OwnerUUID() != sub.UUID {
		replyStateErr(sc, errUnauthorized)
		return
	}
	if err := state.Rename(req.NewName); err != nil {
		slog.Warn("rename persist failed", "component", "server", "err", err)
	}
	marker := protocol.ServerMessage{Index: protocol.TransientIndex, Payload: protocol.Payload{Kind: protocol.PayloadSyncMarker}}
	state.Broadcast(protocol.ServerReply{Kind: protocol.ReplySync, Message: &marker}, "")
}

// handleKick lets the room owner forcibly disconnect another client (§12
// supplement). Closing its dropped channel makes handleClient's read loop
// notice and tear the session down on its own.
func handleKick(state *ServerState, sub *Subscriber, sc *session, req protocol.ClientRequest) {
	if state.OwnerUUID() != sub.UUID {
		replyStateErr(sc, errUnauthorized)
		return
	}
	target, ok := state.Subscriber(req.KickUUID)
	if !ok {
		return
	}
	slog.Info("client kicked", "component", "server", "by", sub.UUID, "target", target.UUID)
	target.MarkDropped()
}
