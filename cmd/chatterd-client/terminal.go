package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chatterd/internal/clientsession"
	"chatterd/internal/protocol"
)

// pendingOutgoing tracks a file offered via /send, awaiting the
// recipient's FileTransferResponse before the bytes are actually sent.
type pendingOutgoing struct {
	path string
	data []byte
}

// terminal owns everything spec.md §4.3 assigns to the "client session"
// that isn't pure wire mechanics: last_dm_sender for /r, and the
// pending incoming/outgoing file-transfer tables /accept, /reject, and
// /send operate on.
type terminal struct {
	session      *clientsession.Session
	downloadsDir string

	mu           sync.Mutex
	lastDMSender string
	// pendingIncoming maps sender -> offered filename, so /accept and
	// /reject know which FileTransferRequest they're responding to.
	pendingIncoming map[string]string
	// pendingOutgoing maps recipient -> the file we offered them.
	pendingOutgoing map[string]pendingOutgoing
}

func (t *terminal) callbacks() clientsession.Callbacks {
	return clientsession.Callbacks{
		OnChat: func(from, text string) {
			if from != "" && from == t.session.Name() {
				return // already locally echoed before the round-trip
			}
			if from == "" {
				fmt.Printf("* %s\n", text)
				return
			}
			fmt.Printf("%s: %s\n", from, text)
		},
		OnJoin:  func(n string) { fmt.Printf("* %s joined\n", n) },
		OnLeave: func(n string) { fmt.Printf("* %s left\n", n) },
		OnUserRename: func(newName string) {
			fmt.Printf("* you are now known as %s\n", newName)
		},
		OnDirectMessage: func(sender, recipient, text string) {
			if sender == t.session.Name() {
				return // our own outgoing DM, already echoed
			}
			t.mu.Lock()
			t.lastDMSender = sender
			t.mu.Unlock()
			fmt.Printf("[DM from %s]: %s\n", sender, text)
		},
		OnListUsers: func(entries []protocol.ListUsersEntry) {
			fmt.Println("* users online:")
			for _, e := range entries {
				if e.Status != "" {
					fmt.Printf("  %s (%s)\n", e.Name, e.Status)
				} else {
					fmt.Printf("  %s\n", e.Name)
				}
			}
		},
		OnServerError: func(text string) {
			fmt.Fprintf(os.Stderr, "error: %s\n", text)
		},
		OnFileTransferRequest: func(p protocol.FileTransferRequestIn) {
			if p.Sender == t.session.Name() {
				return // our own outgoing offer, echoed back by the fan-out
			}
			t.mu.Lock()
			t.pendingIncoming[p.Sender] = p.Filename
			t.mu.Unlock()
			fmt.Printf("* %s wants to send you %q (%d bytes) — /accept %s or /reject %s\n",
				p.Sender, p.Filename, p.FileSize, p.Sender, p.Sender)
		},
		OnFileTransferResponse: func(p protocol.FileTransferResponseIn) {
			if p.Responder == t.session.Name() {
				return // our own /accept or /reject, echoed back
			}
			t.mu.Lock()
			offer, ok := t.pendingOutgoing[p.Responder]
			if ok {
				delete(t.pendingOutgoing, p.Responder)
			}
			t.mu.Unlock()
			if !p.Accepted {
				fmt.Printf("* %s rejected your file transfer\n", p.Responder)
				return
			}
			fmt.Printf("* %s accepted your file transfer\n", p.Responder)
			if ok {
				t.session.SendFile(p.Responder, filepath.Base(offer.path), offer.data)
			}
		},
		OnFileReceived: func(sender, filename string, data []byte) {
			if sender == t.session.Name() {
				return // our own outgoing file, echoed back
			}
			if err := os.MkdirAll(t.downloadsDir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "error: create downloads dir: %v\n", err)
				return
			}
			path := filepath.Join(t.downloadsDir, filepath.Base(filename))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "error: save %s: %v\n", path, err)
				return
			}
			fmt.Printf("* received %q from %s, saved to %s\n", filename, sender, path)
		},
		OnVersionMismatch: func(p protocol.VersionMismatchPayload) {
			fmt.Fprintf(os.Stderr, "server requires a different client version (yours=%s, server=%s); see %s\n",
				p.ClientVersion, p.ServerVersion, p.ReadmeURL)
		},
		OnDisconnected: func(reason string) {
			fmt.Fprintf(os.Stderr, "* disconnected (%s), reconnecting...\n", reason)
		},
		OnReconnected: func() {
			fmt.Println("* reconnected")
		},
	}
}

// runInputLoop reads stdin line by line and applies the command grammar
// from spec.md §4.3.3, blocking until ctx is cancelled or stdin closes.
func (t *terminal) runInputLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.handleLine(line)
	}
}

func (t *terminal) handleLine(line string) {
	if !strings.HasPrefix(line, "/") {
		fmt.Printf("%s: %s\n", t.session.Name(), line) // local echo, spec.md §4.3.2
		t.session.SendChat(line)
		return
	}

	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "/help":
		printHelp()
	case "/quit":
		t.session.Close()
		os.Exit(0)
	case "/list":
		t.session.SendListUsers()
	case "/dm":
		if len(fields) < 3 {
			fmt.Println("usage: /dm <user> <message>")
			return
		}
		user := fields[1]
		text := strings.Join(fields[2:], " ")
		fmt.Printf("[DM to %s]: %s\n", user, text)
		t.session.SendDirectMessage(user, text)
	case "/r":
		t.mu.Lock()
		to := t.lastDMSender
		t.mu.Unlock()
		if to == "" {
			fmt.Println("no one to reply to yet")
			return
		}
		if len(fields) < 2 {
			fmt.Println("usage: /r <message>")
			return
		}
		text := strings.Join(fields[1:], " ")
		fmt.Printf("[DM to %s]: %s\n", to, text)
		t.session.SendDirectMessage(to, text)
	case "/rename":
		if len(fields) != 2 {
			fmt.Println("usage: /rename <name>")
			return
		}
		t.session.SendRename(fields[1])
	case "/status":
		status := ""
		if len(fields) > 1 {
			status = strings.TrimSpace(strings.TrimPrefix(line, "/status "))
		}
		t.session.SendSetStatus(status)
	case "/send":
		if len(fields) != 3 {
			fmt.Println("usage: /send <user> <path>")
			return
		}
		t.handleSend(fields[1], fields[2])
	case "/accept":
		if len(fields) != 2 {
			fmt.Println("usage: /accept <user>")
			return
		}
		t.respondToTransfer(fields[1], true)
	case "/reject":
		if len(fields) != 2 {
			fmt.Println("usage: /reject <user>")
			return
		}
		t.respondToTransfer(fields[1], false)
	default:
		fmt.Printf("unknown command %q, try /help\n", cmd)
	}
}

func (t *terminal) handleSend(user, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", path, err)
		return
	}
	t.mu.Lock()
	t.pendingOutgoing[user] = pendingOutgoing{path: path, data: data}
	t.mu.Unlock()
	t.session.SendFileTransferRequest(protocol.FileTransferRequestOut{
		Recipient: user,
		Filename:  filepath.Base(path),
		FileSize:  uint64(len(data)),
	})
	fmt.Printf("* offered %s to %s, waiting for accept...\n", filepath.Base(path), user)
}

func (t *terminal) respondToTransfer(user string, accept bool) {
	t.mu.Lock()
	_, ok := t.pendingIncoming[user]
	if ok {
		delete(t.pendingIncoming, user)
	}
	t.mu.Unlock()
	if !ok {
		fmt.Printf("no pending transfer from %s\n", user)
		return
	}
	t.session.SendFileTransferResponse(protocol.FileTransferResponseOut{
		OriginalSender: user,
		Accepted:       accept,
	})
}

func printHelp() {
	fmt.Print(`commands:
  /help                 show this text
  /list                 list connected users
  /quit                 disconnect and exit
  /dm <user> <msg>      send a direct message
  /r <msg>              reply to the last user who DM'd you
  /rename <name>        change your display name
  /send <user> <path>   offer a file to another user
  /accept <user>        accept a pending incoming file transfer
  /reject <user>        reject a pending incoming file transfer
  /status [text]        set your status (empty clears it)
  <anything else>       sent as a chat message to the room
`)
}
