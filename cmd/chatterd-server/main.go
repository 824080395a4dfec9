// Command chatterd-server runs the chat broker: the TCP (optionally TLS)
// connection listener, the admin console on stdin, and the optional admin
// HTTP side-channel.
//
// Configuration layers environment variables (spec.md §6.3) under
// flag-based overrides, the way the teacher's server/main.go layers
// flag.String/flag.Int over its own defaults. Before starting the
// listener, os.Args[1:] is checked against RunCLI for out-of-band
// administration subcommands (banlist, settings) that open the store
// directly and exit, grounded on the teacher's cli.go.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"chatterd/internal/admin"
	"chatterd/internal/metrics"
	"chatterd/internal/registry"
	"chatterd/internal/server"
	"chatterd/internal/store"
	"chatterd/internal/tlsconf"
)

// Version is the current server version, settable at build time via
// -ldflags (the teacher's api.go does the same for its own Version var).
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], envOr("CHATTERD_DB", "chatterd.db")) {
			return
		}
	}

	addr := flag.String("addr", envOr("CHAT_SERVER_ADDR", "0.0.0.0:8080"), "chat TCP listen address")
	maxClients := flag.Int("max-clients", envIntOr("CHAT_SERVER_MAX_CLIENTS", 100), "maximum concurrent connections (0 = unlimited)")
	certPath := flag.String("tls-cert", os.Getenv("TLS_CERT_PATH"), "TLS certificate path (requires -tls-key)")
	keyPath := flag.String("tls-key", os.Getenv("TLS_KEY_PATH"), "TLS key path (requires -tls-cert)")
	genTLS := flag.Bool("tls-self-signed", false, "generate a self-signed certificate instead of loading one from disk")
	certValidity := flag.Duration("cert-validity", 365*24*time.Hour, "self-signed TLS certificate validity")
	dbPath := flag.String("db", envOr("CHATTERD_DB", "chatterd.db"), "SQLite database path for bans and settings")
	adminHTTPAddr := flag.String("admin-http-addr", os.Getenv("CHAT_SERVER_ADMIN_ADDR"), "admin HTTP side-channel listen address (empty to disable)")
	noConsole := flag.Bool("no-console", false, "disable the interactive admin console on stdin")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	seededBans, err := st.BannedIPs()
	if err != nil {
		log.Fatalf("[store] load banned IPs: %v", err)
	}

	reg := registry.New()
	bans := registry.NewBannedIPs(seededBans)
	room := server.NewRoom(reg, bans, *maxClients)

	tlsCfg := loadTLS(*certPath, *keyPath, *genTLS, *certValidity, *addr)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("[server] listen %s: %v", *addr, err)
	}
	log.Printf("[server] listening on %s (max-clients=%d, tls=%v)", *addr, *maxClients, tlsCfg != nil)

	listener := server.NewListener(room, tlsCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
		ln.Close()
	}()

	if *adminHTTPAddr != "" {
		mserver := metrics.NewServer(reg, room)
		go mserver.Run(ctx, *adminHTTPAddr)
		log.Printf("[metrics] admin HTTP side-channel on %s", *adminHTTPAddr)
	}

	if !*noConsole && isTerminal(os.Stdin) {
		console := admin.NewConsole(room, st)
		go func() {
			if err := console.Run(); err != nil {
				log.Printf("[admin] console: %v", err)
			}
			log.Println("[admin] console closed; shutting down")
			cancel()
			ln.Close()
		}()
	}

	if err := listener.Serve(ln); err != nil {
		if ctx.Err() != nil {
			log.Println("[server] stopped")
			return
		}
		log.Fatalf("[server] %v", err)
	}
}

// loadTLS returns nil (plaintext TCP) when neither cert flag nor
// -tls-self-signed is given; otherwise it loads a cert pair from disk or
// generates a self-signed one, mirroring the teacher's
// generateTLSConfig-at-startup pattern in main.go.
func loadTLS(certPath, keyPath string, generate bool, validity time.Duration, addr string) *tls.Config {
	if generate {
		hostname := ""
		if host, _, err := net.SplitHostPort(addr); err == nil {
			hostname = host
		}
		cfg, fingerprint, err := tlsconf.GenerateSelfSigned(validity, hostname)
		if err != nil {
			log.Fatalf("[tls] generate self-signed cert: %v", err)
		}
		log.Printf("[tls] self-signed certificate fingerprint: %s", fingerprint)
		return cfg
	}
	if certPath == "" && keyPath == "" {
		return nil
	}
	if certPath == "" || keyPath == "" {
		log.Fatalf("[tls] both -tls-cert and -tls-key are required together")
	}
	cfg, err := tlsconf.Load(certPath, keyPath)
	if err != nil {
		log.Fatalf("[tls] %v", err)
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
