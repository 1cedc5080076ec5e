package main

import (
	"context"

	"github.com/marci1175/szechat/internal/protocol"
)

// Transporter is the interface wrapping the Transport methods used by the
// session's caller. Defining it here lets the caller be tested against a
// mock transport, the same split the teacher draws between transport.go and
// its UI-bound consumer.
type Transporter interface {
	Connect(ctx context.Context, addr, username, password string) error
	Disconnect()
	MyUUID() string

	// Chat.
	SendText(text string, replyIndex *int) error
	EditMessage(index int, newText string) error
	AddReaction(index int, emoji string) error
	RemoveReaction(index int, emoji string) error

	// Uploads and retrieval.
	UploadFile(filename string, data []byte) error
	UploadImage(filename string, data []byte) error
	UploadAudio(filename string, data []byte) error
	FetchFile(index int) ([]byte, string, error)
	FetchImage(signature string) ([]byte, string, error)
	FetchAudio(signature string) ([]byte, string, error)
	FetchClient(targetUUID string) (protocol.ClientIdentity, error)

	// Voice/video call.
	VoipConnect() error
	VoipDisconnect() error
	VoipTaskContext() context.Context
	SendVoiceChunk(samples []byte) error
	SendImageFrame(jpeg []byte) error

	// Server administration (owner-only; server enforces).
	RenameServer(newName string) error
	KickUser(targetUUID string) error

	// Callback setters — prefer setters over exported fields so the
	// interface can be satisfied by both the real Transport and test doubles.
	SetOnMessage(fn func(*protocol.ServerMessage))
	SetOnVoipState(fn func(roster []string))
	SetOnSeenTable(fn func(seen map[string]int))
	SetOnVoiceChunk(fn func(senderUUID string, samples []byte))
	SetOnImageFrame(fn func(senderUUID string, jpeg []byte))
	SetOnFatal(fn func(error))
}
