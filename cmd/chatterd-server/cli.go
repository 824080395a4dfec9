package main

import (
	"fmt"
	"os"

	"chatterd/internal/store"
)

// RunCLI handles out-of-band administration subcommands that operate on
// the store directly, without starting the listener. Returns true if a
// subcommand was handled. Grounded on the teacher's cli.go RunCLI.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatterd-server %s\n", Version)
		return true
	case "banlist":
		return cliBanlist(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	default:
		return false
	}
}

func cliBanlist(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ips, err := st.BannedIPs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(ips) == 0 {
		fmt.Println("No banned IPs.")
		return true
	}
	for _, ip := range ips {
		fmt.Printf("  %s\n", ip)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		all, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(all) == 0 {
			fmt.Println("No settings configured.")
			return true
		}
		for k, v := range all {
			fmt.Printf("  %s = %s\n", k, v)
		}
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: chatterd-server settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}
