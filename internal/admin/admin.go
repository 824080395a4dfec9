// Package admin implements the interactive operator console (spec.md
// §6.3/SPEC_FULL.md §5): a line-edited stdin command loop that drives
// kick/ban/rename through the same Room.PublishControl
// admin control plane the connection handlers listen on, plus ban
// persistence through internal/store.
//
// Grounded on the teacher's CLI attach loop in pkg/miniclient/client.go
// (liner.NewLiner, input.Prompt, input.AppendHistory, io.EOF-to-exit) for
// the read loop, and on nabbar-golib's console package for using
// github.com/fatih/color to distinguish informational, error, and
// broadcast-echo output.
package admin

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"chatterd/internal/metrics"
	"chatterd/internal/server"
	"chatterd/internal/store"
)

var (
	errColor = color.New(color.FgRed)
	okColor  = color.New(color.FgGreen)
	dimColor = color.New(color.FgHiBlack)
)

// commandNames drives liner's tab completion.
var commandNames = []string{
	"/list", "/kick", "/rename", "/ban", "/unban", "/banlist", "/help", "/h", "/quit", "/q",
}

// Console is the admin operator's interactive command loop.
type Console struct {
	room  *server.Room
	store *store.Store
	out   io.Writer
}

// NewConsole constructs a Console over room, persisting ban changes to st.
func NewConsole(room *server.Room, st *store.Store) *Console {
	return &Console{room: room, store: st, out: color.Output}
}

// Run drives the console until stdin hits EOF or the user types /quit.
// It blocks the calling goroutine; callers typically run it in its own
// goroutine alongside the TCP listener.
func (c *Console) Run() error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetTabCompletionStyle(liner.TabPrints)
	line.SetCompleter(func(partial string) []string {
		var out []string
		for _, name := range commandNames {
			if strings.HasPrefix(name, partial) {
				out = append(out, name)
			}
		}
		return out
	})

	fmt.Fprintln(c.out, "chatterd admin console — type /help for commands")

	for {
		input, err := line.Prompt("admin> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if c.dispatch(input) {
			return nil
		}
	}
}

// dispatch runs one command line, returning true if the console should exit.
func (c *Console) dispatch(input string) bool {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/quit", "/q":
		return true
	case "/help", "/h":
		c.printHelp()
	case "/list":
		c.cmdList()
	case "/kick":
		c.cmdKick(args)
	case "/rename":
		c.cmdRename(args)
	case "/ban":
		c.cmdBan(args)
	case "/unban":
		c.cmdUnban(args)
	case "/banlist":
		c.cmdBanlist()
	default:
		errColor.Fprintf(c.out, "unknown command %q (try /help)\n", cmd) //nolint:errcheck
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "  /list                 list connected users and statuses")
	fmt.Fprintln(c.out, "  /kick <user>          disconnect a user")
	fmt.Fprintln(c.out, "  /rename <old> <new>   force-rename a connected user")
	fmt.Fprintln(c.out, "  /ban <user|ip>        ban a user's current IP (persists)")
	fmt.Fprintln(c.out, "  /unban <ip>           remove a ban")
	fmt.Fprintln(c.out, "  /banlist              list banned IPs")
	fmt.Fprintln(c.out, "  /quit, /q             exit the admin console")
}

func (c *Console) cmdList() {
	snapshot := c.room.Registry.List()
	if len(snapshot) == 0 {
		dimColor.Fprintln(c.out, "  (no users connected)") //nolint:errcheck
		return
	}
	for name, e := range snapshot {
		if e.Status != "" {
			fmt.Fprintf(c.out, "  %s (%s) - %s\n", name, e.IP, e.Status)
		} else {
			fmt.Fprintf(c.out, "  %s (%s)\n", name, e.IP)
		}
	}
}

func (c *Console) cmdKick(args []string) {
	if len(args) != 1 {
		errColor.Fprintln(c.out, "usage: /kick <user>") //nolint:errcheck
		return
	}
	name := args[0]
	if !c.room.Registry.Has(name) {
		errColor.Fprintf(c.out, "no such user %q\n", name) //nolint:errcheck
		return
	}
	c.room.PublishControl(server.ControlCmd{Kind: server.ControlKick, Name: name})
	metrics.KicksTotal.Inc()
	okColor.Fprintf(c.out, "kicked %s\n", name) //nolint:errcheck
}

func (c *Console) cmdRename(args []string) {
	if len(args) != 2 {
		errColor.Fprintln(c.out, "usage: /rename <old> <new>") //nolint:errcheck
		return
	}
	old, newName := args[0], args[1]
	if !c.room.Registry.Has(old) {
		errColor.Fprintf(c.out, "no such user %q\n", old) //nolint:errcheck
		return
	}
	if c.room.Registry.Has(newName) {
		errColor.Fprintf(c.out, "name %q already taken\n", newName) //nolint:errcheck
		return
	}
	c.room.PublishControl(server.ControlCmd{Kind: server.ControlRename, Name: old, NewName: newName})
	okColor.Fprintf(c.out, "renamed %s to %s\n", old, newName) //nolint:errcheck
}

func (c *Console) cmdBan(args []string) {
	if len(args) != 1 {
		errColor.Fprintln(c.out, "usage: /ban <user|ip>") //nolint:errcheck
		return
	}
	target := args[0]

	ip := target
	if e, ok := c.room.Registry.Get(target); ok {
		ip = e.IP
	}

	c.room.Bans.Add(ip)
	if c.store != nil {
		if err := c.store.Ban(ip, "admin console"); err != nil {
			errColor.Fprintf(c.out, "persist ban: %v\n", err) //nolint:errcheck
		}
	}
	c.room.PublishControl(server.ControlCmd{Kind: server.ControlBan, IP: ip})
	metrics.BansTotal.Inc()
	okColor.Fprintf(c.out, "banned %s\n", ip) //nolint:errcheck
}

func (c *Console) cmdUnban(args []string) {
	if len(args) != 1 {
		errColor.Fprintln(c.out, "usage: /unban <ip>") //nolint:errcheck
		return
	}
	ip := args[0]
	c.room.Bans.Remove(ip)
	if c.store != nil {
		if err := c.store.Unban(ip); err != nil {
			errColor.Fprintf(c.out, "persist unban: %v\n", err) //nolint:errcheck
		}
	}
	okColor.Fprintf(c.out, "unbanned %s\n", ip) //nolint:errcheck
}

func (c *Console) cmdBanlist() {
	ips := c.room.Bans.List()
	if len(ips) == 0 {
		dimColor.Fprintln(c.out, "  (no banned IPs)") //nolint:errcheck
		return
	}
	for _, ip := range ips {
		fmt.Fprintf(c.out, "  %s\n", ip)
	}
}
