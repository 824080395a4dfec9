// Package clientsession implements the client half of the chat protocol
// (spec.md §4.3): connect/handshake/Join, inbound dispatch to
// caller-supplied callbacks, an outbound command queue, and automatic
// reconnect with exponential backoff and name/status restoration.
//
// Grounded on the teacher's client/transport.go Transport type: a
// mutex-guarded connection handle, Set*-style callback registration
// checked under a RWMutex before each dispatch, and a single
// read-owning goroutine per connection (here forced by the wire
// protocol's synchronous per-frame ack, the same constraint
// internal/server's Handler documents).
package clientsession

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatterd/internal/protocol"
)

// Callbacks are invoked from the session's single event-loop goroutine;
// implementations must not block meaningfully (spec.md §4.3.2's dispatch
// table maps directly onto these).
type Callbacks struct {
	OnChat                 func(from, text string)
	OnJoin                 func(name string)
	OnLeave                func(name string)
	OnUserRename           func(newName string)
	OnDirectMessage        func(sender, recipient, text string)
	OnListUsers            func([]protocol.ListUsersEntry)
	OnServerError          func(text string)
	OnFileTransferRequest  func(protocol.FileTransferRequestIn)
	OnFileTransferResponse func(protocol.FileTransferResponseIn)
	OnFileTransfer         func(protocol.FileTransferIn)             // raw per-chunk frame
	OnFileReceived         func(sender, filename string, data []byte) // fully reassembled
	OnVersionMismatch      func(protocol.VersionMismatchPayload)
	OnDisconnected         func(reason string)
	OnReconnected          func()
}

// fileChunkPayload bounds the raw bytes carried per FileTransfer message,
// leaving headroom under protocol.MaxFrameSize for the recipient/filename
// length-prefixed fields and the 8-byte chunk header SendFile prepends.
const fileChunkPayload = 32 * 1024

// fileAssembly buffers the chunks of one in-flight incoming file transfer,
// keyed by sender+"\x00"+filename, until every chunk has arrived.
type fileAssembly struct {
	total  int
	chunks map[int][]byte
}

const (
	dialTimeout  = 10 * time.Second
	pollInterval = 100 * time.Millisecond

	// reconnectSettle is the fixed pause before the first reconnect
	// attempt (spec.md §4.3.4), separate from the exponential backoff
	// that follows repeated failures.
	reconnectSettle = 100 * time.Millisecond
	minBackoff      = 1 * time.Second
	maxBackoff      = 60 * time.Second
)

// Session is one client's connection to a chatterd server, including any
// automatic reconnects. Construct with New, start with Connect, and stop
// with Close.
type Session struct {
	addr string
	cb   Callbacks

	mu        sync.Mutex
	conn      net.Conn
	name      string
	token     string
	status    string
	closing   bool
	wasKicked bool
	outbox    chan protocol.Message

	transfersMu sync.Mutex
	transfers   map[string]*fileAssembly
}

// New constructs a Session targeting addr ("host:port"). Callbacks may be
// the zero value for events the caller doesn't care about.
func New(addr string, cb Callbacks) *Session {
	return &Session{
		addr:      addr,
		cb:        cb,
		token:     uuid.NewString(),
		outbox:    make(chan protocol.Message, 64),
		transfers: make(map[string]*fileAssembly),
	}
}

// Connect performs the initial dial, handshake, and Join, then starts the
// background event loop (including reconnects) until ctx is cancelled or
// Close is called. name must satisfy protocol.ValidateName.
func (s *Session) Connect(ctx context.Context, name string) error {
	if !protocol.ValidateName(name) {
		return fmt.Errorf("clientsession: invalid name %q", name)
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()

	if err := s.dialAndJoin(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// Close sends a Leave message (best-effort), marks the session as
// intentionally closing so the event loop does not reconnect, and closes
// the underlying connection.
func (s *Session) Close() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = protocol.WriteMessage(conn, protocol.Message{Type: protocol.TypeLeave})
		conn.Close()
	}
}

func (s *Session) dialAndJoin(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("clientsession: dial %s: %w", s.addr, err)
	}

	s.mu.Lock()
	name, token := s.name, s.token
	s.mu.Unlock()

	if err := protocol.WriteMessage(conn, protocol.Message{
		Type:    protocol.TypeVersionCheck,
		Content: []byte(protocolVersion()),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("clientsession: version check: %w", err)
	}

	if err := protocol.WriteMessage(conn, protocol.Message{
		Type:    protocol.TypeJoin,
		Content: protocol.EncodeJoin(protocol.JoinPayload{Name: name, Token: token}),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("clientsession: join: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// protocolVersion is defined separately from internal/server to avoid an
// import cycle (server already imports protocol, not clientsession); the
// version string itself must match server.ProtocolVersion exactly.
func protocolVersion() string { return "1.4.0" }

// Send enqueues an outbound message for the event loop to write. It
// returns immediately ("local echo" per spec.md §4.3.2 happens in the
// caller, before or without waiting for this to flush).
func (s *Session) Send(m protocol.Message) {
	select {
	case s.outbox <- m:
	default:
		log.Printf("[clientsession] outbox full, dropping message type %d", m.Type)
	}
}

func (s *Session) SendChat(text string) {
	s.Send(protocol.Message{Type: protocol.TypeChatMessage, Content: []byte(text)})
}

func (s *Session) SendDirectMessage(recipient, text string) {
	s.Send(protocol.Message{
		Type:    protocol.TypeDirectMessage,
		Content: protocol.EncodeDirectMessageOut(protocol.DirectMessageOut{Recipient: recipient, Text: text}),
	})
}

func (s *Session) SendListUsers() {
	s.Send(protocol.Message{Type: protocol.TypeListUsers})
}

func (s *Session) SendRename(newName string) {
	s.Send(protocol.Message{Type: protocol.TypeRenameRequest, Content: []byte(newName)})
}

func (s *Session) SendSetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.Send(protocol.Message{Type: protocol.TypeSetStatus, Content: []byte(status)})
}

func (s *Session) SendFileTransferRequest(p protocol.FileTransferRequestOut) {
	s.Send(protocol.Message{Type: protocol.TypeFileTransferRequest, Content: protocol.EncodeFileTransferRequestOut(p)})
}

func (s *Session) SendFileTransferResponse(p protocol.FileTransferResponseOut) {
	s.Send(protocol.Message{Type: protocol.TypeFileTransferResponse, Content: protocol.EncodeFileTransferResponseOut(p)})
}

func (s *Session) SendFileTransferChunk(p protocol.FileTransferOut) {
	s.Send(protocol.Message{Type: protocol.TypeFileTransfer, Content: protocol.EncodeFileTransferOut(p)})
}

// SendFile splits data into fileChunkPayload-sized FileTransfer messages,
// each prefixed with an 8-byte (total, index) header, and enqueues them in
// order. This is the application-layer chunking SPEC_FULL.md §4.1 calls
// for: the outer frame cap is fixed at protocol.MaxFrameSize, so a file
// larger than one frame's budget becomes several FileTransfer messages the
// recipient's Session reassembles (see dispatch's FileTransfer case).
func (s *Session) SendFile(recipient, filename string, data []byte) {
	total := (len(data) + fileChunkPayload - 1) / fileChunkPayload
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * fileChunkPayload
		end := start + fileChunkPayload
		if end > len(data) {
			end = len(data)
		}
		var header [8]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(total))
		binary.BigEndian.PutUint32(header[4:8], uint32(i))
		payload := append(append([]byte{}, header[:]...), data[start:end]...)
		s.SendFileTransferChunk(protocol.FileTransferOut{Recipient: recipient, Filename: filename, Data: payload})
	}
}

// run is the session's single event-loop goroutine: it owns every Read and
// Write on the current connection (see the Handler doc comment this
// mirrors), polling for inbound frames and draining the outbox between
// reads, and reconnects with exponential backoff on any connection error
// until Close is called or ctx is cancelled. After a kick, ban, or version
// mismatch (wasKicked) it returns without reconnecting.
func (s *Session) run(ctx context.Context) {
	for {
		reason := s.serveConn(ctx)
		s.mu.Lock()
		closing := s.closing
		kicked := s.wasKicked
		s.conn = nil
		s.mu.Unlock()
		if closing || kicked {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if s.cb.OnDisconnected != nil {
			s.cb.OnDisconnected(reason)
		}
		s.reconnectLoop(ctx)
	}
}

func (s *Session) reconnectLoop(ctx context.Context) {
	// spec.md §4.3.4: a fixed settle pause before the first reconnect
	// attempt, distinct from the exponential backoff that follows.
	select {
	case <-ctx.Done():
		return
	case <-time.After(reconnectSettle):
	}

	backoff := minBackoff
	for {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return
		}

		if err := s.dialAndJoin(ctx); err != nil {
			log.Printf("[clientsession] reconnect failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// spec.md §4.3.4: after rejoining, re-send SetStatus if one was set
		// before the disconnect — Claim silently restores it server-side,
		// but the client still resends explicitly per the reconnect steps.
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		if status != "" {
			s.Send(protocol.Message{Type: protocol.TypeSetStatus, Content: []byte(status)})
		}
		if s.cb.OnReconnected != nil {
			s.cb.OnReconnected()
		}
		return
	}
}

// serveConn runs the poll loop over the current connection until it fails
// or is closed, returning a short reason string.
func (s *Session) serveConn(ctx context.Context) string {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "no-connection"
	}

	for {
		if ctx.Err() != nil {
			return "context-cancelled"
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval)) //nolint:errcheck
		msg, err := protocol.ReadMessage(conn, protocol.MaxFrameSize)
		if err == nil {
			s.dispatch(msg)
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			select {
			case out := <-s.outbox:
				conn.SetReadDeadline(time.Now().Add(dialTimeout)) //nolint:errcheck
				if werr := protocol.WriteMessage(conn, out); werr != nil {
					return "write-failure"
				}
			default:
			}
			continue
		}
		return "read-failure"
	}
}

// splitChatLine undoes the server's "<name>: <text>" broadcast formatting
// (handler.go's handleChatMessage); server-generated lines such as
// rename notices have no matching "name: " prefix and come back whole as
// text with an empty from.
func splitChatLine(line string) (from, text string) {
	i := strings.Index(line, ": ")
	if i < 0 {
		return "", line
	}
	return line[:i], line[i+2:]
}

// addressedToMe reports whether a fanned-out recipient-addressed message
// belongs to this session, either as the recipient or as the other party
// (so a sender's own outgoing DM/file-transfer traffic, echoed back by the
// broadcast fan-out, can drive local UI state too).
func (s *Session) addressedToMe(recipient, other string) bool {
	me := s.Name()
	return recipient == me || other == me
}

// assembleFileChunk buffers one chunk of an incoming FileTransfer (header
// format: see SendFile) and, once every chunk for that sender+filename has
// arrived, invokes OnFileReceived with the reassembled bytes in order.
func (s *Session) assembleFileChunk(p protocol.FileTransferIn) {
	if len(p.Data) < 8 {
		log.Printf("[clientsession] dropping undersized file chunk from %s", p.Sender)
		return
	}
	total := int(binary.BigEndian.Uint32(p.Data[0:4]))
	index := int(binary.BigEndian.Uint32(p.Data[4:8]))
	body := p.Data[8:]

	key := p.Sender + "\x00" + p.Filename

	s.transfersMu.Lock()
	a, ok := s.transfers[key]
	if !ok {
		a = &fileAssembly{total: total, chunks: make(map[int][]byte)}
		s.transfers[key] = a
	}
	a.chunks[index] = body
	done := len(a.chunks) == a.total
	if done {
		delete(s.transfers, key)
	}
	s.transfersMu.Unlock()

	if !done {
		return
	}
	full := make([]byte, 0, len(body)*a.total)
	for i := 0; i < a.total; i++ {
		full = append(full, a.chunks[i]...)
	}
	if s.cb.OnFileReceived != nil {
		s.cb.OnFileReceived(p.Sender, p.Filename, full)
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeChatMessage:
		if s.cb.OnChat != nil {
			from, text := splitChatLine(string(msg.Content))
			s.cb.OnChat(from, text)
		}
	case protocol.TypeJoin:
		if s.cb.OnJoin != nil {
			s.cb.OnJoin(string(msg.Content))
		}
	case protocol.TypeLeave:
		if s.cb.OnLeave != nil {
			s.cb.OnLeave(string(msg.Content))
		}
	case protocol.TypeUserRename:
		newName := string(msg.Content)
		s.mu.Lock()
		s.name = newName
		s.mu.Unlock()
		if s.cb.OnUserRename != nil {
			s.cb.OnUserRename(newName)
		}
	case protocol.TypeDirectMessage:
		// Direct messages are fanned out to every connection (room.go never
		// targets a single subscriber); only the addressed recipient (or the
		// sender, for local echo of their own outgoing DM) surfaces it.
		p, err := protocol.ParseDirectMessageIn(msg.Content)
		if err == nil && s.addressedToMe(p.Recipient, p.Sender) && s.cb.OnDirectMessage != nil {
			s.cb.OnDirectMessage(p.Sender, p.Recipient, p.Text)
		}
	case protocol.TypeListUsers:
		if s.cb.OnListUsers != nil {
			s.cb.OnListUsers(protocol.ParseListUsers(msg.Content))
		}
	case protocol.TypeError:
		text := string(msg.Content)
		// spec.md §7: the administrative-teardown replies for kick/ban carry
		// these literal substrings; a client that greps for them must not
		// reconnect afterward (the name was forcibly released or the IP
		// banned, so rejoining would just repeat the same rejection).
		if strings.Contains(text, "kicked") || strings.Contains(text, "banned") {
			s.mu.Lock()
			s.wasKicked = true
			s.mu.Unlock()
		}
		if s.cb.OnServerError != nil {
			s.cb.OnServerError(text)
		}
	case protocol.TypeFileTransferRequest:
		p, err := protocol.ParseFileTransferRequestIn(msg.Content)
		if err == nil && s.addressedToMe(p.Recipient, p.Sender) && s.cb.OnFileTransferRequest != nil {
			s.cb.OnFileTransferRequest(p)
		}
	case protocol.TypeFileTransferResponse:
		p, err := protocol.ParseFileTransferResponseIn(msg.Content)
		if err == nil && s.addressedToMe(p.Recipient, p.Responder) && s.cb.OnFileTransferResponse != nil {
			s.cb.OnFileTransferResponse(p)
		}
	case protocol.TypeFileTransfer:
		p, err := protocol.ParseFileTransferIn(msg.Content)
		if err != nil || !s.addressedToMe(p.Recipient, p.Sender) {
			break
		}
		if s.cb.OnFileTransfer != nil {
			s.cb.OnFileTransfer(p)
		}
		s.assembleFileChunk(p)
	case protocol.TypePing:
		s.Send(protocol.Message{Type: protocol.TypePong})
	case protocol.TypeVersionMismatch:
		// spec.md §4.3.2: a version mismatch is terminal — set was_kicked
		// so run() exits instead of reconnecting against a server that
		// will keep rejecting this build.
		s.mu.Lock()
		s.wasKicked = true
		s.mu.Unlock()
		p, err := protocol.ParseVersionMismatch(msg.Content)
		if err == nil && s.cb.OnVersionMismatch != nil {
			s.cb.OnVersionMismatch(p)
		}
	default:
		log.Printf("[clientsession] ignoring message type %d", msg.Type)
	}
}

// Name returns the session's current username (post any server-assigned
// rename-on-collision or successful /rename).
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Token returns the session token presented at Join/reconnect, stable for
// the lifetime of the Session so a reconnect can reclaim the same name.
func (s *Session) Token() string {
	return s.token
}

// WasKicked reports whether the server ended the connection with an
// administrative kick or ban, in which case the session will not attempt
// to reconnect (spec.md §7).
func (s *Session) WasKicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasKicked
}
