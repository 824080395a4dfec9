package clientsession

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chatterd/internal/registry"
	"chatterd/internal/server"
)

func startTestServer(t *testing.T) (addr string, room *server.Room) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	room = server.NewRoom(registry.New(), registry.NewBannedIPs(nil), 0)
	l := server.NewListener(room, nil)
	go l.Serve(ln)
	return ln.Addr().String(), room
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSessionConnectJoinsRegistry(t *testing.T) {
	addr, room := startTestServer(t)

	s := New(addr, Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Close()

	if err := s.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("alice") })
}

func TestSessionReceivesChatFromAnotherClient(t *testing.T) {
	addr, room := startTestServer(t)

	var mu sync.Mutex
	var gotFrom, gotText string
	received := make(chan struct{}, 1)

	s := New(addr, Callbacks{
		OnChat: func(from, text string) {
			mu.Lock()
			gotFrom, gotText = from, text
			mu.Unlock()
			select {
			case received <- struct{}{}:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Close()

	if err := s.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("alice") })

	other := New(addr, Callbacks{})
	if err := other.Connect(ctx, "bob"); err != nil {
		t.Fatalf("Connect bob: %v", err)
	}
	defer other.Close()
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("bob") })

	other.SendChat("hello there")

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("alice never received bob's chat message")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotFrom != "bob" || gotText != "hello there" {
		t.Fatalf("got from=%q text=%q, want from=bob text=%q", gotFrom, gotText, "hello there")
	}
}

func TestSessionDirectMessageOnlyDeliveredToRecipient(t *testing.T) {
	addr, room := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bobReceived := make(chan struct{}, 1)
	bob := New(addr, Callbacks{
		OnDirectMessage: func(sender, recipient, text string) {
			select {
			case bobReceived <- struct{}{}:
			default:
			}
		},
	})
	if err := bob.Connect(ctx, "bob"); err != nil {
		t.Fatalf("Connect bob: %v", err)
	}
	defer bob.Close()
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("bob") })

	carolReceived := make(chan struct{}, 1)
	carol := New(addr, Callbacks{
		OnDirectMessage: func(sender, recipient, text string) {
			select {
			case carolReceived <- struct{}{}:
			default:
			}
		},
	})
	if err := carol.Connect(ctx, "carol"); err != nil {
		t.Fatalf("Connect carol: %v", err)
	}
	defer carol.Close()
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("carol") })

	alice := New(addr, Callbacks{})
	if err := alice.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect alice: %v", err)
	}
	defer alice.Close()
	waitFor(t, 2*time.Second, func() bool { return room.Registry.Has("alice") })

	alice.SendDirectMessage("bob", "psst")

	select {
	case <-bobReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the direct message addressed to him")
	}

	select {
	case <-carolReceived:
		t.Fatal("carol should not receive a direct message addressed to bob")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSessionRenameOnCollisionUpdatesName(t *testing.T) {
	addr, room := startTestServer(t)
	room.Registry.Claim("alice", "9.9.9.9", "someone-elses-token")

	renamed := make(chan string, 1)
	s := New(addr, Callbacks{
		OnUserRename: func(newName string) {
			select {
			case renamed <- newName:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Close()

	if err := s.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case newName := <-renamed:
		if newName == "alice" {
			t.Fatal("expected a fallback name distinct from the collided one")
		}
		waitFor(t, 2*time.Second, func() bool { return s.Name() == newName })
	case <-time.After(2 * time.Second):
		t.Fatal("never received a rename-on-collision notice")
	}
}
