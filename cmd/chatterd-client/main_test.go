package main

import "testing"

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in       string
		wantAddr string
		wantTLS  bool
	}{
		{"localhost", "localhost:8080", false},
		{"localhost:9000", "localhost:9000", false},
		{"tls://chat.example.com", "chat.example.com:8080", true},
		{"tls://chat.example.com:9443", "chat.example.com:9443", true},
	}
	for _, c := range cases {
		addr, useTLS := parseTarget(c.in)
		if addr != c.wantAddr || useTLS != c.wantTLS {
			t.Errorf("parseTarget(%q) = (%q, %v), want (%q, %v)", c.in, addr, useTLS, c.wantAddr, c.wantTLS)
		}
	}
}
