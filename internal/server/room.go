// Package server implements the connection handler state machine (spec.md
// §4.2, "the hardest subsystem") and the broadcast fan-out / admin control
// plane that glue handlers together (§2, §5).
//
// Grounded on the teacher's room.go Room type: a single mutex-guarded struct
// owning client bookkeeping, with Broadcast/BroadcastControl snapshotting
// targets under a read lock and releasing it before any network write so one
// slow peer can't stall the others.
package server

import (
	"log"
	"sync"
	"sync/atomic"

	"chatterd/internal/metrics"
	"chatterd/internal/registry"
)

// BroadcastMsg is one routed application message, queued for delivery to
// every handler. Handlers filter per recipient before writing (spec.md §2).
type BroadcastMsg struct {
	Type       byte
	Content    []byte
	SourceName string
}

// ControlKind enumerates the administrator control-plane commands (spec.md
// §4.2.9).
type ControlKind int

const (
	ControlKick ControlKind = iota
	ControlBan
	ControlRename
	ControlSessionTakeover
)

// ControlCmd is one administrator command, delivered to every handler; each
// handler decides whether it applies to itself (spec.md §4.2.1 event 3).
type ControlCmd struct {
	Kind    ControlKind
	Name    string
	NewName string
	IP      string
}

// subscriberBacklogPerClient scales each handler's broadcast and control
// queues (see backlogSize). The teacher's
// equivalent (room.go Broadcast) tolerates lagged receivers by dropping;
// spec.md §5 prescribes the same policy, sized at max_clients*16.
const subscriberBacklogPerClient = 16

// Room is the process-wide hub: the shared registries (spec.md §3) plus the
// broadcast and control fan-out. One Room is shared by every handler.
type Room struct {
	Registry *registry.Registry
	Bans     *registry.BannedIPs

	maxClients  int
	activeConns atomic.Int64

	mu          sync.RWMutex
	nextSubID   uint64
	broadcastSubs map[uint64]chan BroadcastMsg
	controlSubs   map[uint64]chan ControlCmd
}

// NewRoom constructs a Room backed by reg/bans, accepting at most maxClients
// concurrent connections (0 = unlimited).
func NewRoom(reg *registry.Registry, bans *registry.BannedIPs, maxClients int) *Room {
	return &Room{
		Registry:      reg,
		Bans:          bans,
		maxClients:    maxClients,
		broadcastSubs: make(map[uint64]chan BroadcastMsg),
		controlSubs:   make(map[uint64]chan ControlCmd),
	}
}

// TryAcquireSlot reserves one connection slot, enforcing CHAT_SERVER_MAX_CLIENTS
// (spec.md §6.3, §7 capacity denial). Call ReleaseSlot on connection teardown.
func (rm *Room) TryAcquireSlot() bool {
	if rm.maxClients <= 0 {
		n := rm.activeConns.Add(1)
		metrics.ConnectedClients.Set(float64(n))
		return true
	}
	for {
		cur := rm.activeConns.Load()
		if int(cur) >= rm.maxClients {
			return false
		}
		if rm.activeConns.CompareAndSwap(cur, cur+1) {
			metrics.ConnectedClients.Set(float64(cur + 1))
			return true
		}
	}
}

// ReleaseSlot releases a slot acquired by TryAcquireSlot.
func (rm *Room) ReleaseSlot() {
	n := rm.activeConns.Add(-1)
	metrics.ConnectedClients.Set(float64(n))
}

// backlogSize computes the per-subscriber channel capacity.
func (rm *Room) backlogSize() int {
	n := rm.maxClients
	if n <= 0 {
		n = 64
	}
	return n * subscriberBacklogPerClient
}

// subscription bundles the two channels a handler selects on.
type subscription struct {
	id        uint64
	broadcast chan BroadcastMsg
	control   chan ControlCmd
}

// Subscribe registers a new handler for broadcast and control delivery.
func (rm *Room) Subscribe() subscription {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.nextSubID++
	id := rm.nextSubID
	sub := subscription{
		id:        id,
		broadcast: make(chan BroadcastMsg, rm.backlogSize()),
		control:   make(chan ControlCmd, rm.backlogSize()),
	}
	rm.broadcastSubs[id] = sub.broadcast
	rm.controlSubs[id] = sub.control
	return sub
}

// Unsubscribe removes a handler's subscription. Safe to call more than once.
func (rm *Room) Unsubscribe(id uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.broadcastSubs, id)
	delete(rm.controlSubs, id)
}

// Publish enqueues msg for delivery to every current subscriber except
// excludeID (pass 0 to exclude none). A subscriber whose queue is full has
// the message dropped and logged rather than blocking the publisher —
// matching the teacher's tolerate-lagged-receivers policy.
func (rm *Room) Publish(msg BroadcastMsg, excludeID uint64) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for id, ch := range rm.broadcastSubs {
		if id == excludeID {
			continue
		}
		select {
		case ch <- msg:
		default:
			metrics.BroadcastDropped.Inc()
			log.Printf("[room] subscriber %d backlog full, dropping broadcast msg type=%d", id, msg.Type)
		}
	}
}

// PublishControl enqueues an administrator command for every handler; each
// handler decides locally whether the command targets it (spec.md §4.2.1).
func (rm *Room) PublishControl(cmd ControlCmd) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for id, ch := range rm.controlSubs {
		select {
		case ch <- cmd:
		default:
			log.Printf("[room] subscriber %d control backlog full, dropping %v", id, cmd.Kind)
		}
	}
}

// ClientCount returns the number of currently claimed names.
func (rm *Room) ClientCount() int {
	return rm.Registry.Count()
}
