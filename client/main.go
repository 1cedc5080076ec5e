package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marci1175/szechat/internal/protocol"
)

var (
	flagAddr     string
	flagUsername string
	flagPassword string
)

func main() {
	root := &cobra.Command{
		Use:   "szechat-client",
		Short: "szechat headless client: control protocol, sync, and voice relay",
		RunE:  runChat,
	}
	root.Flags().StringVar(&flagAddr, "addr", "", "server address, e.g. szechat://chat.example.com:8443 (omit to be prompted)")
	root.Flags().StringVar(&flagUsername, "username", "", "account username (omit to be prompted)")
	root.Flags().StringVar(&flagPassword, "password", "", "account/connect password")

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "component", "cli", "err", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := LoadConfig()
	if cfg.ClientUUID == "" {
		cfg.ClientUUID = uuid.NewString()
		if err := SaveConfig(cfg); err != nil {
			slog.Warn("persist generated client uuid", "component", "cli", "err", err)
		}
	}

	stdin := bufio.NewReader(os.Stdin)
	addr := flagAddr
	if addr == "" {
		addr = promptLine(stdin, "server address: ", defaultServerEntry(cfg))
	}
	username := flagUsername
	if username == "" {
		username = promptLine(stdin, "username: ", cfg.DisplayName)
	}
	password := flagPassword
	if password == "" {
		password = lookupSavedPassword(cfg, addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		fmt.Println("\ndisconnecting...")
		cancel()
	}()

	sess := newSession(cfg, username)
	if err := sess.transport.Connect(ctx, addr, username, password); err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	defer sess.shutdown()

	fmt.Printf("connected as %s (%s)\n", username, sess.transport.MyUUID())
	fmt.Println("type a message and press enter to send; /help lists commands")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Print("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if err := sess.handleLine(line); err != nil {
			fmt.Println("error:", err)
		}
		if sess.quit {
			return nil
		}
	}
}

// promptLine prints prompt, reads one line from r, and falls back to
// defaultVal when the user enters nothing.
func promptLine(r *bufio.Reader, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s[%s] ", prompt, defaultVal)
	} else {
		fmt.Print(prompt)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultVal
	}
	return line
}

func defaultServerEntry(cfg Config) string {
	if len(cfg.Servers) == 0 {
		return ""
	}
	return cfg.Servers[0].Addr
}

func lookupSavedPassword(cfg Config, addr string) string {
	for _, s := range cfg.Servers {
		if s.Addr == addr {
			return s.Password
		}
	}
	return ""
}

// session bundles a connected transport and its optional voice engine,
// driven by the REPL in runChat. It is the headless stand-in for the GUI's
// intent/observable boundary described for External collaborators.
type session struct {
	cfg       Config
	username  string
	transport *Transport
	audio     *AudioEngine
	inCall    bool
	quit      bool
}

func newSession(cfg Config, username string) *session {
	s := &session{cfg: cfg, username: username, transport: NewTransport()}
	s.transport.SetClientUUID(cfg.ClientUUID)
	s.transport.SetOnMessage(s.onMessage)
	s.transport.SetOnVoipState(s.onVoipState)
	s.transport.SetOnSeenTable(s.onSeenTable)
	s.transport.SetOnFatal(s.onFatal)
	return s
}

func (s *session) onMessage(msg *protocol.ServerMessage) {
	if msg.IsTransient() {
		return
	}
	name := msg.AuthorDisplayName
	if name == "" {
		name = msg.AuthorUUID
	}

	switch msg.Payload.Kind {
	case protocol.PayloadDeleted:
		fmt.Printf("\n[%d] %s deleted a message\n> ", msg.Index, name)
	case protocol.PayloadUpload, protocol.PayloadImage, protocol.PayloadAudio:
		fmt.Printf("\n[%d] %s shared %s (%s)\n> ", msg.Index, name, msg.Payload.Filename, msg.Payload.Signature)
	default:
		edited := ""
		if msg.Edited {
			edited = " (edited)"
		}
		fmt.Printf("\n[%d] %s: %s%s\n> ", msg.Index, name, msg.Payload.Text, edited)
	}
}

func (s *session) onVoipState(roster []string) {
	fmt.Printf("\n[voip] call roster: %s\n> ", strings.Join(roster, ", "))
}

func (s *session) onSeenTable(seen map[string]int) {
	slog.Debug("seen table updated", "component", "cli", "entries", len(seen))
}

func (s *session) onFatal(err error) {
	fmt.Printf("\nsession ended: %v\n", err)
	s.quit = true
}

func (s *session) shutdown() {
	if s.audio != nil {
		s.audio.Stop()
	}
	s.transport.Disconnect()
}

func (s *session) handleLine(line string) error {
	if !strings.HasPrefix(line, "/") {
		return s.transport.SendText(line, nil)
	}

	fields := strings.SplitN(strings.TrimPrefix(line, "/"), " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "help":
		printHelp()
		return nil
	case "quit", "exit":
		s.quit = true
		return nil
	case "edit":
		return s.handleEdit(rest)
	case "react":
		return s.handleReact(rest, true)
	case "unreact":
		return s.handleReact(rest, false)
	case "voip":
		return s.handleVoip(rest)
	case "mute":
		if s.audio != nil {
			s.audio.SetMuted(true)
		}
		return nil
	case "unmute":
		if s.audio != nil {
			s.audio.SetMuted(false)
		}
		return nil
	case "rename":
		return s.transport.RenameServer(rest)
	case "kick":
		return s.transport.KickUser(rest)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

func printHelp() {
	fmt.Println(`commands:
  <text>             send a chat message
  /edit <i> <text>   replace the text of message i
  /react <i> <emoji> add a reaction to message i
  /unreact <i> <emoji> remove a reaction from message i
  /voip join|leave   join or leave the voice/video call
  /mute /unmute      toggle microphone transmission
  /rename <name>     rename the server (owner only)
  /kick <uuid>       disconnect another client (owner only)
  /quit              leave the session`)
}

func (s *session) handleEdit(rest string) error {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return fmt.Errorf("usage: /edit <index> <text>")
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}
	return s.transport.EditMessage(idx, fields[1])
}

func (s *session) handleReact(rest string, add bool) error {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return fmt.Errorf("usage: /react <index> <emoji>")
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}
	if add {
		return s.transport.AddReaction(idx, fields[1])
	}
	return s.transport.RemoveReaction(idx, fields[1])
}

func (s *session) handleVoip(rest string) error {
	switch strings.TrimSpace(rest) {
	case "join":
		if s.inCall {
			return nil
		}
		if err := s.transport.VoipConnect(); err != nil {
			return err
		}
		s.inCall = true
		s.audio = NewAudioEngine()
		s.audio.SetInputDevice(s.cfg.InputDeviceID)
		s.audio.SetOutputDevice(s.cfg.OutputDeviceID)
		s.audio.SetVolume(s.cfg.Volume)
		s.transport.SetOnVoiceChunk(s.audio.PushPlayback)
		if err := s.audio.Start(); err != nil {
			return fmt.Errorf("client: start audio: %w", err)
		}
		go s.forwardCapturedAudio()
		fmt.Println("joined the call")
		return nil
	case "leave":
		if !s.inCall {
			return nil
		}
		s.inCall = false
		s.audio.Stop()
		s.audio = nil
		s.transport.SetOnVoiceChunk(nil)
		fmt.Println("left the call")
		return s.transport.VoipDisconnect()
	default:
		return fmt.Errorf("usage: /voip join|leave")
	}
}

// forwardCapturedAudio relays WAV-chunked mic audio from the audio engine to
// the network until the engine stops or the call's voip task context is
// canceled by VoipDisconnect (§5, §9).
func (s *session) forwardCapturedAudio() {
	audio := s.audio
	voipCtx := s.transport.VoipTaskContext()
	for {
		select {
		case chunk, ok := <-audio.CaptureOut:
			if !ok {
				return
			}
			if err := s.transport.SendVoiceChunk(chunk); err != nil {
				slog.Warn("send voice chunk", "component", "cli", "err", err)
			}
		case <-audio.Done():
			return
		case <-voipCtx.Done():
			return
		}
	}
}
