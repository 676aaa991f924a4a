package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/john/printlink/logger"
)

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	md := s.MetadataFor("manual:192.0.2.10")
	if err := md.Set("network_authentication_id", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := md.Set("network_authentication_key", "secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := md.Remove("network_authentication_key"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	reopened, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	md2 := reopened.MetadataFor("manual:192.0.2.10")
	if v, ok := md2.Get("network_authentication_id"); !ok || v != "abc" {
		t.Fatalf("expected persisted id, got %q %v", v, ok)
	}
	if _, ok := md2.Get("network_authentication_key"); ok {
		t.Fatal("removed key came back")
	}
	if got := reopened.Machines(); len(got) != 1 || got[0] != "manual:192.0.2.10" {
		t.Fatalf("unexpected machines %v", got)
	}
}

func TestSetActiveNotifiesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var seen []string
	s.OnActiveChanged(func(k string) { seen = append(seen, k) })

	if err := s.SetActive("printer-A"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.SetActive("printer-A"); err != nil {
		t.Fatalf("set active again: %v", err)
	}
	if len(seen) != 1 || seen[0] != "printer-A" {
		t.Fatalf("expected one notification, got %v", seen)
	}

	reopened, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Key() != "printer-A" {
		t.Fatalf("active key not persisted: %q", reopened.Key())
	}
}

func TestCorruptFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "machine-bad.yaml"), []byte("key: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("open should tolerate corrupt files: %v", err)
	}
	if len(s.Machines()) != 0 {
		t.Fatalf("corrupt file should not load, got %v", s.Machines())
	}
}

func TestFileNameIsSafe(t *testing.T) {
	if got := fileName("manual:10.0.0.1/x"); got != "machine-manual_10.0.0.1_x.yaml" {
		t.Fatalf("unexpected file name %q", got)
	}
}
