package admin

import (
	"bytes"
	"strings"
	"testing"

	"chatterd/internal/registry"
	"chatterd/internal/server"
	"chatterd/internal/store"
)

func newTestConsole(t *testing.T) (*Console, *server.Room, *bytes.Buffer) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	room := server.NewRoom(registry.New(), registry.NewBannedIPs(nil), 0)
	var buf bytes.Buffer
	c := NewConsole(room, st)
	c.out = &buf
	return c, room, &buf
}

func TestDispatchKickPublishesControlCommand(t *testing.T) {
	c, room, buf := newTestConsole(t)
	room.Registry.Claim("alice", "1.2.3.4", "tok")
	sub := room.Subscribe()
	defer room.Unsubscribe(sub.id)

	if quit := c.dispatch("/kick alice"); quit {
		t.Fatal("dispatch should not request exit for /kick")
	}

	select {
	case cmd := <-sub.control:
		if cmd.Kind != server.ControlKick || cmd.Name != "alice" {
			t.Fatalf("unexpected control command: %+v", cmd)
		}
	default:
		t.Fatal("expected a control command to be published")
	}
	if !strings.Contains(buf.String(), "kicked alice") {
		t.Fatalf("output = %q, want mention of kicked alice", buf.String())
	}
}

func TestDispatchKickUnknownUser(t *testing.T) {
	c, _, buf := newTestConsole(t)
	c.dispatch("/kick ghost")
	if !strings.Contains(buf.String(), "no such user") {
		t.Fatalf("output = %q, want an error about unknown user", buf.String())
	}
}

func TestDispatchBanPersistsAndBlocks(t *testing.T) {
	c, room, _ := newTestConsole(t)
	room.Registry.Claim("bob", "9.9.9.9", "tok")

	c.dispatch("/ban bob")

	if !room.Bans.Contains("9.9.9.9") {
		t.Fatal("ban should add bob's IP to the in-memory ban set")
	}
	ips, err := c.store.BannedIPs()
	if err != nil {
		t.Fatalf("BannedIPs: %v", err)
	}
	found := false
	for _, ip := range ips {
		if ip == "9.9.9.9" {
			found = true
		}
	}
	if !found {
		t.Fatal("ban should be persisted to the store")
	}
}

func TestDispatchUnbanRemovesBan(t *testing.T) {
	c, room, _ := newTestConsole(t)
	room.Bans.Add("8.8.8.8")
	c.store.Ban("8.8.8.8", "test")

	c.dispatch("/unban 8.8.8.8")

	if room.Bans.Contains("8.8.8.8") {
		t.Fatal("unban should remove the IP from the in-memory set")
	}
}

func TestDispatchRenameRejectsCollision(t *testing.T) {
	c, room, buf := newTestConsole(t)
	room.Registry.Claim("alice", "1.2.3.4", "tok")
	room.Registry.Claim("bob", "5.6.7.8", "tok2")

	c.dispatch("/rename alice bob")

	if !strings.Contains(buf.String(), "already taken") {
		t.Fatalf("output = %q, want a collision error", buf.String())
	}
}

func TestDispatchQuitRequestsExit(t *testing.T) {
	c, _, _ := newTestConsole(t)
	if quit := c.dispatch("/quit"); !quit {
		t.Fatal("/quit should request console exit")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	c, _, buf := newTestConsole(t)
	c.dispatch("/frobnicate")
	if !strings.Contains(buf.String(), "unknown command") {
		t.Fatalf("output = %q, want an unknown-command message", buf.String())
	}
}
