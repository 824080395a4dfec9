package server

import (
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"sort"
	"time"
	"unicode/utf8"

	"chatterd/internal/metrics"
	"chatterd/internal/protocol"
	"chatterd/internal/ratelimit"
	"chatterd/internal/registry"
)

// ProtocolVersion is the server's handshake version string (spec.md §4.2.2,
// §4.3.1). A client whose VersionCheck content doesn't match gets
// VersionMismatch and the connection is closed.
const ProtocolVersion = "1.4.0"

// readmeURL accompanies VersionMismatch so an outdated client knows where to
// look; it is wire content this program emits, not a resource it fetches.
const readmeURL = "https://github.com/chatterd/chatterd/blob/main/README.md"

const (
	heartbeatInterval = 30 * time.Second
	pongTimeout       = 60 * time.Second

	// pollInterval bounds how long a single inbound read blocks before the
	// event loop checks the broadcast/control/heartbeat events. One
	// goroutine owns every read and write on the connection (see the note
	// on eventLoop) — this is what lets it interleave the two without a
	// second goroutine ever touching the socket.
	pollInterval = 100 * time.Millisecond
	ackTimeout   = 10 * time.Second
	joinTimeout  = 30 * time.Second

	maxChatLen = 1024

	rateLimitCapacity = 10
	rateLimitWindow   = time.Second

	// minFileTransferCap/maxFileTransferCap bound the implementer's choice
	// of file-size cap (spec.md §4.2.5: "must be >= 10 MiB, <= 100 MiB").
	minFileTransferCap = 10 << 20
	maxFileTransferCap = 100 << 20
)

// maxFileTransferSize is this implementation's chosen cap, within the range
// spec.md §4.2.5 allows.
const maxFileTransferSize = 64 << 20

func init() {
	if maxFileTransferSize < minFileTransferCap || maxFileTransferSize > maxFileTransferCap {
		panic("server: maxFileTransferSize out of spec range")
	}
}

// Handler owns one client's state machine from accepted stream to teardown
// (spec.md §4.2). Construct with NewHandler and run with Serve.
//
// Exactly one goroutine ever calls Read or Write on conn: Serve itself. The
// wire protocol's per-frame "OK" ack (protocol.WriteMessage) blocks on a
// read of the peer's next two bytes immediately after a write, and nothing
// distinguishes those ack bytes from the start of a new inbound frame on
// the wire — so a second reader goroutine would race the ack read against
// a legitimate inbound frame and corrupt the stream. eventLoop instead
// polls: a bounded-deadline read for inbound frames, falling through to
// check the broadcast/control channels and the heartbeat ticker whenever
// that read times out.
type Handler struct {
	room *Room
	conn Stream

	ip string

	name                    string
	token                   string
	status                  string
	clearStatusOnDisconnect bool
	sessionTakenOver        bool

	limiter      *ratelimit.Bucket
	lastActivity time.Time

	sub subscription
}

// NewHandler constructs a Handler for an already-accepted stream. ip is the
// peer's remote address, stripped of port.
func NewHandler(room *Room, conn Stream, ip string) *Handler {
	return &Handler{
		room:    room,
		conn:    conn,
		ip:      ip,
		limiter: ratelimit.New(rateLimitCapacity, rateLimitWindow),
	}
}

// Serve runs the handler to completion: handshake, then the event loop,
// then teardown. All failure paths are handled internally as connection
// teardown; Serve never returns a value the caller must act on.
func (h *Handler) Serve() {
	defer h.conn.Close()

	h.lastActivity = time.Now()
	if !h.handshake() {
		h.cleanup("handshake")
		return
	}

	h.sub = h.room.Subscribe()
	defer h.room.Unsubscribe(h.sub.id)

	reason := h.eventLoop()
	h.cleanup(reason)
}

// readWithDeadline attempts one inbound frame, returning (msg, true) on
// success, (zero, false) if the deadline elapsed with nothing to read, or
// an error for anything else (framing failure, peer disconnect).
func (h *Handler) readWithDeadline(d time.Duration) (protocol.Message, bool, error) {
	setReadDeadline(h.conn, time.Now().Add(d))
	msg, err := protocol.ReadMessage(h.conn, protocol.MaxFrameSize)
	if err == nil {
		return msg, true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return protocol.Message{}, false, nil
	}
	return protocol.Message{}, false, err
}

// handshake implements spec.md §4.2.2's opening exchange: an optional
// VersionCheck followed by Join, or a direct Join. This implementation
// accepts either, consistent with the spec's "specify your choice and keep
// it consistent."
func (h *Handler) handshake() bool {
	first, ok, err := h.readWithDeadline(joinTimeout)
	if err != nil || !ok {
		return false
	}

	var joinMsg protocol.Message
	switch first.Type {
	case protocol.TypeVersionCheck:
		clientVer := string(first.Content)
		if clientVer != ProtocolVersion {
			h.writeMessage(protocol.Message{
				Type: protocol.TypeVersionMismatch,
				Content: protocol.EncodeVersionMismatch(protocol.VersionMismatchPayload{
					ClientVersion: clientVer,
					ServerVersion: ProtocolVersion,
					ReadmeURL:     readmeURL,
				}),
			})
			return false
		}
		second, ok, err := h.readWithDeadline(joinTimeout)
		if err != nil || !ok || second.Type != protocol.TypeJoin {
			return false
		}
		joinMsg = second
	case protocol.TypeJoin:
		joinMsg = first
	default:
		return false
	}

	payload, err := protocol.ParseJoin(joinMsg.Content)
	if err != nil || !protocol.ValidateName(payload.Name) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid username")})
		return false
	}

	return h.performJoin(payload.Name, payload.Token)
}

// performJoin implements claim / reclaim / rename-on-collision (spec.md
// §4.2.2).
func (h *Handler) performJoin(name, token string) bool {
	reg := h.room.Registry

	if !reg.Has(name) && reg.Claim(name, h.ip, token) {
		h.name = name
		h.token = token
		log.Printf("[handler] %s joined from %s", name, h.ip)
		h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeJoin), Content: []byte(name)}, 0)
		return true
	}

	if reg.Reclaim(name, h.ip, token) {
		h.name = name
		h.token = token
		h.room.PublishControl(ControlCmd{Kind: ControlSessionTakeover, Name: name})
		log.Printf("[handler] %s reclaimed session from %s", name, h.ip)
		return true
	}

	// Collision with no matching session: rename-fallback.
	fallback, ok := generateFallbackName(name, h.ip, token, reg)
	if !ok {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Could not join: name collision")})
		return false
	}
	h.name = fallback
	h.token = token
	h.writeMessage(protocol.Message{Type: protocol.TypeUserRename, Content: []byte(fallback)})
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeJoin), Content: []byte(fallback)}, 0)
	log.Printf("[handler] %s collided, assigned %s from %s", name, fallback, h.ip)
	return true
}

// generateFallbackName tries a single "<name>_<4 digits>" candidate, claimed
// under the joining peer's ip and token, and reports failure if that
// candidate is taken as well (spec.md §4.2.2).
func generateFallbackName(name, ip, token string, reg *registry.Registry) (string, bool) {
	candidate := fmt.Sprintf("%s_%04d", name, randSuffix())
	if reg.Claim(candidate, ip, token) {
		return candidate, true
	}
	return "", false
}

func randSuffix() int {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int(time.Now().UnixNano() % 10000)
	}
	return (int(b[0])<<8 | int(b[1])) % 10000
}

// eventLoop runs the four-event poll (spec.md §4.2.1) until the connection
// must close, and returns a short reason string for logging/cleanup.
func (h *Handler) eventLoop() string {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		msg, ok, err := h.readWithDeadline(pollInterval)
		if err != nil {
			log.Printf("[handler %s] read error: %v", h.name, err)
			return "disconnect"
		}
		if ok {
			h.lastActivity = time.Now()
			if reason, done := h.handleInbound(msg); done {
				return reason
			}
		}

		// Drain broadcast/control/heartbeat unconditionally every
		// iteration, not only when the read above timed out — a peer
		// that keeps a frame arriving inside every poll window would
		// otherwise never see its own rate-limit backlog, let alone an
		// admin Kick/Ban/Rename/SessionTakeover queued on the control
		// channel (room.go drops control commands once a subscriber's
		// backlog fills, so an unadministerable connection is a real
		// failure mode, not just a delay).
	drain:
		for {
			select {
			case bm := <-h.sub.broadcast:
				if err := h.writeMessage(protocol.Message{Type: protocol.Type(bm.Type), Content: bm.Content}); err != nil {
					return "write-failure"
				}
			case cmd := <-h.sub.control:
				if reason, done := h.handleControl(cmd); done {
					return reason
				}
			case <-ticker.C:
				if time.Since(h.lastActivity) > pongTimeout {
					log.Printf("[handler %s] heartbeat timeout", h.name)
					return "timeout"
				}
				if err := h.writeMessage(protocol.Message{Type: protocol.TypePing}); err != nil {
					return "write-failure"
				}
			default:
				break drain
			}
		}
	}
}

// handleControl applies one administrator command if it targets this
// handler (spec.md §4.2.9).
func (h *Handler) handleControl(cmd ControlCmd) (reason string, done bool) {
	switch cmd.Kind {
	case ControlKick:
		if cmd.Name != h.name {
			return "", false
		}
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("You have been kicked by the server")})
		h.clearStatusOnDisconnect = true
		return "kicked", true

	case ControlBan:
		if cmd.IP != h.ip {
			return "", false
		}
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("You have been banned from the server")})
		h.clearStatusOnDisconnect = true
		return "banned", true

	case ControlRename:
		if cmd.Name != h.name {
			return "", false
		}
		old := h.name
		if !h.room.Registry.Rename(old, cmd.NewName) {
			return "", false
		}
		h.name = cmd.NewName
		h.writeMessage(protocol.Message{Type: protocol.TypeUserRename, Content: []byte(cmd.NewName)})
		h.room.Publish(BroadcastMsg{
			Type:    byte(protocol.TypeChatMessage),
			Content: []byte(fmt.Sprintf("%s is now known as %s (renamed by server)", old, cmd.NewName)),
		}, 0)
		return "", false

	case ControlSessionTakeover:
		if cmd.Name != h.name {
			return "", false
		}
		h.sessionTakenOver = true
		return "superseded", true
	}
	return "", false
}

// handleInbound dispatches one application frame post-join (spec.md
// §4.2.3-§4.2.7).
func (h *Handler) handleInbound(msg protocol.Message) (reason string, done bool) {
	if msg.Type != protocol.TypeJoin && !h.limiter.Allow() {
		metrics.RateLimitRejections.Inc()
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Rate limit exceeded. Please slow down.")})
		return "", false
	}

	switch msg.Type {
	case protocol.TypeChatMessage:
		h.handleChatMessage(msg.Content)
	case protocol.TypeDirectMessage:
		h.handleDirectMessage(msg.Content)
	case protocol.TypeListUsers:
		h.handleListUsers()
	case protocol.TypeRenameRequest:
		h.handleRenameRequest(msg.Content)
	case protocol.TypeFileTransferRequest:
		h.handleFileTransferRequest(msg.Content)
	case protocol.TypeFileTransferResponse:
		h.handleFileTransferResponse(msg.Content)
	case protocol.TypeFileTransfer:
		h.handleFileTransfer(msg.Content)
	case protocol.TypeSetStatus:
		h.handleSetStatus(msg.Content)
	case protocol.TypePing:
		// Client keepalive; lastActivity already bumped above.
	case protocol.TypePong:
		// Updates last-activity only; no further action (spec.md §4.2.6).
	case protocol.TypeLeave:
		return "quit", true
	case protocol.TypeJoin:
		log.Printf("[handler %s] ignoring Join received after handshake", h.name)
	default:
		log.Printf("[handler %s] ignoring message type %d", h.name, msg.Type)
	}
	return "", false
}

func (h *Handler) handleChatMessage(content []byte) {
	if len(content) < 1 || len(content) > maxChatLen || !utf8.Valid(content) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid chat message")})
		return
	}
	log.Printf("[chat] %s: %s", h.name, content)
	h.room.Publish(BroadcastMsg{
		Type:    byte(protocol.TypeChatMessage),
		Content: append([]byte(h.name+": "), content...),
	}, 0)
}

func (h *Handler) handleDirectMessage(content []byte) {
	p, err := protocol.ParseDirectMessageOut(content)
	if err != nil {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid direct message")})
		return
	}
	if !h.room.Registry.Has(p.Recipient) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("User '" + p.Recipient + "' not found")})
		return
	}
	out := protocol.EncodeDirectMessageIn(protocol.DirectMessageIn{Sender: h.name, Recipient: p.Recipient, Text: p.Text})
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeDirectMessage), Content: out}, 0)
}

func (h *Handler) handleListUsers() {
	snapshot := h.room.Registry.List()
	entries := make([]protocol.ListUsersEntry, 0, len(snapshot))
	for name, e := range snapshot {
		entries = append(entries, protocol.ListUsersEntry{Name: name, Status: e.Status})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	h.writeMessage(protocol.Message{Type: protocol.TypeListUsers, Content: protocol.EncodeListUsers(entries)})
}

func (h *Handler) handleRenameRequest(content []byte) {
	newName := string(content)
	if !protocol.ValidateName(newName) || h.room.Registry.Has(newName) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Name unavailable")})
		return
	}
	old := h.name
	if !h.room.Registry.Rename(old, newName) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Name unavailable")})
		return
	}
	h.name = newName
	h.writeMessage(protocol.Message{Type: protocol.TypeUserRename, Content: []byte(newName)})
	h.room.Publish(BroadcastMsg{
		Type:    byte(protocol.TypeChatMessage),
		Content: []byte(old + " is now known as " + newName),
	}, 0)
}

func (h *Handler) handleFileTransferRequest(content []byte) {
	p, err := protocol.ParseFileTransferRequestOut(content)
	if err != nil {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid file transfer request")})
		return
	}
	if p.FileSize > maxFileTransferSize {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("File too large")})
		return
	}
	if !h.room.Registry.Has(p.Recipient) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("User '" + p.Recipient + "' not found")})
		return
	}
	out := protocol.EncodeFileTransferRequestIn(protocol.FileTransferRequestIn{
		Sender: h.name, Recipient: p.Recipient, Filename: p.Filename, FileSize: p.FileSize,
	})
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeFileTransferRequest), Content: out}, 0)
}

func (h *Handler) handleFileTransferResponse(content []byte) {
	p, err := protocol.ParseFileTransferResponseOut(content)
	if err != nil {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid file transfer response")})
		return
	}
	out := protocol.EncodeFileTransferResponseIn(protocol.FileTransferResponseIn{
		Recipient: p.OriginalSender, Responder: h.name, Accepted: p.Accepted,
	})
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeFileTransferResponse), Content: out}, 0)
}

func (h *Handler) handleFileTransfer(content []byte) {
	p, err := protocol.ParseFileTransferOut(content)
	if err != nil {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid file transfer chunk")})
		return
	}
	out := protocol.EncodeFileTransferIn(protocol.FileTransferIn{
		Recipient: p.Recipient, Sender: h.name, Filename: p.Filename, Data: p.Data,
	})
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeFileTransfer), Content: out}, 0)
}

func (h *Handler) handleSetStatus(content []byte) {
	status := string(content)
	if !protocol.ValidateStatus(status) {
		h.writeMessage(protocol.Message{Type: protocol.TypeError, Content: []byte("Invalid status")})
		return
	}
	h.status = status
	h.room.Registry.SetStatus(h.name, status)
}

// cleanup implements the teardown lifecycle from spec.md §3.
func (h *Handler) cleanup(reason string) {
	if h.sessionTakenOver || h.name == "" {
		return
	}
	full := reason == "quit" || reason == "kicked" || reason == "banned" || h.clearStatusOnDisconnect
	h.room.Registry.Remove(h.name, full)
	h.room.Publish(BroadcastMsg{Type: byte(protocol.TypeLeave), Content: []byte(h.name)}, 0)
	log.Printf("[handler] %s left (%s)", h.name, reason)
}

func (h *Handler) writeMessage(m protocol.Message) error {
	setReadDeadline(h.conn, time.Now().Add(ackTimeout))
	return protocol.WriteMessage(h.conn, m)
}

// setReadDeadline applies d if conn supports deadlines (net.Conn and
// net.Pipe's conns do; the narrower Stream interface doesn't require it).
func setReadDeadline(conn Stream, d time.Time) {
	if rd, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		rd.SetReadDeadline(d) //nolint:errcheck // best-effort; a failed deadline just falls back to blocking reads
	}
}
