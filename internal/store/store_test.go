package store

import "testing"

func TestBanAndUnban(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Ban("1.2.3.4", "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	ips, err := s.BannedIPs()
	if err != nil {
		t.Fatalf("BannedIPs: %v", err)
	}
	if len(ips) != 1 || ips[0] != "1.2.3.4" {
		t.Fatalf("got %v, want [1.2.3.4]", ips)
	}

	if err := s.Unban("1.2.3.4"); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	ips, err = s.BannedIPs()
	if err != nil {
		t.Fatalf("BannedIPs: %v", err)
	}
	if len(ips) != 0 {
		t.Fatalf("got %v, want empty", ips)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.GetSetting("max_clients"); err != nil || ok {
		t.Fatalf("expected missing setting, got ok=%v err=%v", ok, err)
	}
	if err := s.SetSetting("max_clients", "250"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting("max_clients")
	if err != nil || !ok || val != "250" {
		t.Fatalf("got val=%q ok=%v err=%v", val, ok, err)
	}
	if err := s.SetSetting("max_clients", "300"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	val, _, _ = s.GetSetting("max_clients")
	if val != "300" {
		t.Fatalf("got %q, want 300", val)
	}
}

func TestGetAllSettings(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.SetSetting("max_clients", "250")
	s.SetSetting("motd", "welcome")

	all, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if all["max_clients"] != "250" || all["motd"] != "welcome" {
		t.Fatalf("got %v", all)
	}
}
