// Command chatterd-client is a minimal terminal chat client over
// internal/clientsession: it owns the CLI command grammar (spec.md
// §4.3.3), local echo, the last-DM-sender shortcut for /r, and the
// pending file-transfer tables for /accept, /reject, and /send.
//
// Rich terminal line editing and autocomplete are explicitly out of
// scope for the chat client (spec.md §1 treats them as an external
// collaborator) — that treatment is reserved for the admin console
// (internal/admin), which does use github.com/peterh/liner. Here input
// is a plain bufio.Scanner over stdin, the simplest thing that satisfies
// the "external collaborator" boundary without re-implementing what the
// admin console already owns.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"chatterd/internal/clientsession"
)

func main() {
	target := flag.String("server", envOr("CHAT_SERVER", "127.0.0.1:8080"), "chat server address, optionally tls://host[:port]")
	username := flag.String("username", os.Getenv("CHAT_USERNAME"), "username to join as (prompted if empty)")
	downloadsDir := flag.String("downloads", "downloads", "directory for accepted file transfers")
	flag.Parse()

	addr, useTLS := parseTarget(*target)
	if useTLS {
		fmt.Fprintln(os.Stderr, "warning: tls:// targets are not yet dialed over TLS by this client; connecting in plaintext")
	}

	name := *username
	if name == "" {
		fmt.Print("username: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		name = strings.TrimSpace(line)
	}

	t := newTerminal(addr, *downloadsDir)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		t.session.Close()
		cancel()
	}()

	if err := t.session.Connect(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s as %s — type /help for commands\n", addr, name)

	t.runInputLoop(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseTarget splits an optional "tls://" scheme off of a server target
// and applies the default port (spec.md §4.3.1).
func parseTarget(target string) (addr string, useTLS bool) {
	if strings.HasPrefix(target, "tls://") {
		useTLS = true
		target = strings.TrimPrefix(target, "tls://")
	}
	if !strings.Contains(target, ":") {
		target += ":8080"
	}
	return target, useTLS
}

// newTerminal builds a clientsession.Session wired to stdout/stderr for
// every inbound event, plus the small bits of UI state spec.md §4.3
// assigns to the client session proper: the last DM sender (for /r) and
// pending outgoing file-transfer offers (for matching /accept, /reject
// against the eventual FileTransferResponse).
func newTerminal(addr, downloadsDir string) *terminal {
	t := &terminal{
		downloadsDir:    downloadsDir,
		pendingIncoming: make(map[string]string),
		pendingOutgoing: make(map[string]pendingOutgoing),
	}
	t.session = clientsession.New(addr, t.callbacks())
	return t
}
