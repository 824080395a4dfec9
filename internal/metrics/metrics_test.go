package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatterd/internal/registry"
)

type fakeStats struct{ count int }

func (f fakeStats) ClientCount() int { return f.count }

func TestHealthzReportsClientCount(t *testing.T) {
	reg := registry.New()
	reg.Claim("alice", "1.2.3.4", "tok")
	s := NewServer(reg, fakeStats{count: 1})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleHealthz(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Clients != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUsersEndpointListsClaimedNames(t *testing.T) {
	reg := registry.New()
	reg.Claim("alice", "1.2.3.4", "tok")
	reg.SetStatus("alice", "afk")
	s := NewServer(reg, fakeStats{count: 1})

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleUsers(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var users []userEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(users) != 1 || users[0].Name != "alice" || users[0].Status != "afk" {
		t.Fatalf("unexpected users: %+v", users)
	}
}
