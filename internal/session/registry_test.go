package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testDirectory = StaticDirectory{
	"nathan": {UserID: "u1", UserName: "nathan", DisplayName: "Nathan"},
	"maria":  {UserID: "u2", UserName: "maria", DisplayName: "Maria"},
}

func TestAuthenticateInstallsSession(t *testing.T) {
	r := NewRegistry(testDirectory)

	s, evicted, err := r.Authenticate("conn-a", "10.0.0.1", Credentials{UserID: "u1", UserName: "nathan", DisplayName: "Nathan"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if evicted != "" {
		t.Fatalf("unexpected eviction: %q", evicted)
	}
	if s.DisplayName != "Nathan" || s.ConnID != "conn-a" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if connID, ok := r.LookupByUserID("u1"); !ok || connID != "conn-a" {
		t.Fatalf("lookup: got %q,%v", connID, ok)
	}
}

func TestAuthenticateFillsDisplayNameFromDirectory(t *testing.T) {
	r := NewRegistry(testDirectory)
	s, _, err := r.Authenticate("conn-a", "10.0.0.1", Credentials{UserID: "u2", UserName: "maria"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.DisplayName != "Maria" {
		t.Fatalf("display name not resolved: got %q", s.DisplayName)
	}
}

func TestAuthenticateRejectsMissingFields(t *testing.T) {
	r := NewRegistry(testDirectory)
	if _, _, err := r.Authenticate("conn-a", "ip", Credentials{UserName: "nathan"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing userId: got %v", err)
	}
	if _, _, err := r.Authenticate("conn-a", "ip", Credentials{UserID: "u1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing userName: got %v", err)
	}
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	r := NewRegistry(testDirectory)
	if _, _, err := r.Authenticate("conn-a", "ip", Credentials{UserID: "u9", UserName: "ghost"}); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("unknown user: got %v", err)
	}
}

func TestReauthenticateEvictsPriorConnection(t *testing.T) {
	r := NewRegistry(testDirectory)
	creds := Credentials{UserID: "u1", UserName: "nathan", DisplayName: "Nathan"}

	if _, _, err := r.Authenticate("conn-a", "ip", creds); err != nil {
		t.Fatalf("first authenticate: %v", err)
	}
	_, evicted, err := r.Authenticate("conn-b", "ip", creds)
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if evicted != "conn-a" {
		t.Fatalf("evicted: got %q want conn-a", evicted)
	}
	if connID, _ := r.LookupByUserID("u1"); connID != "conn-b" {
		t.Fatalf("registry maps u1 to %q, want conn-b", connID)
	}
	if _, ok := r.SessionFor("conn-a"); ok {
		t.Fatal("evicted connection still holds a session")
	}
	if r.Count() != 1 {
		t.Fatalf("count: got %d want 1", r.Count())
	}
}

func TestUnbindIsIdempotent(t *testing.T) {
	r := NewRegistry(testDirectory)
	if _, _, err := r.Authenticate("conn-a", "ip", Credentials{UserID: "u1", UserName: "nathan"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if s := r.Unbind("conn-a"); s == nil || s.UserID != "u1" {
		t.Fatalf("first unbind: got %+v", s)
	}
	if s := r.Unbind("conn-a"); s != nil {
		t.Fatalf("second unbind should be a no-op, got %+v", s)
	}
	if _, ok := r.LookupByUserID("u1"); ok {
		t.Fatal("user still mapped after unbind")
	}
}

func TestSeedEntriesDropOnReauthenticate(t *testing.T) {
	r := NewRegistry(testDirectory)
	r.Seed([]Session{
		{UserID: "u1", UserName: "nathan", DisplayName: "Nathan", ConnID: "stale"},
		{UserName: "incomplete"},
	})
	if r.RestoredCount() != 1 {
		t.Fatalf("restored count: got %d want 1", r.RestoredCount())
	}

	_, evicted, err := r.Authenticate("conn-a", "ip", Credentials{UserID: "u1", UserName: "nathan"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if evicted != "" {
		t.Fatalf("restored entry must not count as a live connection, evicted %q", evicted)
	}
	if r.RestoredCount() != 0 {
		t.Fatalf("restored entry survived re-authentication: %d", r.RestoredCount())
	}
}

func TestRegistryClockInjection(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(testDirectory, WithClock(func() time.Time { return fixed }))
	s, _, err := r.Authenticate("conn-a", "ip", Credentials{UserID: "u1", UserName: "nathan"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !s.ConnectedAt.Equal(fixed) {
		t.Fatalf("connectedAt: got %s want %s", s.ConnectedAt, fixed)
	}
}

func TestFileDirectoryReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	write := func(users []User) {
		data, err := json.Marshal(users)
		if err != nil {
			t.Fatalf("marshal users: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write users: %v", err)
		}
	}

	d := NewFileDirectory(path)
	if _, ok := d.Resolve("nathan"); ok {
		t.Fatal("resolved user before file existed")
	}

	write([]User{{UserID: "u1", UserName: "nathan", DisplayName: "Nathan"}})
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	u, ok := d.Resolve("nathan")
	if !ok || u.DisplayName != "Nathan" {
		t.Fatalf("resolve after write: got %+v,%v", u, ok)
	}
}
