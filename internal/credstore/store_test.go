package credstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAllocateFolderSequence(t *testing.T) {
	s := New(t.TempDir())

	first, err := s.AllocateFolder()
	if err != nil {
		t.Fatalf("AllocateFolder failed: %v", err)
	}
	if first != "auth_info1" {
		t.Errorf("expected auth_info1, got %s", first)
	}

	second, err := s.AllocateFolder()
	if err != nil {
		t.Fatalf("AllocateFolder failed: %v", err)
	}
	if second != "auth_info2" {
		t.Errorf("expected auth_info2, got %s", second)
	}
}

func TestAllocateFolderSkipsPastExisting(t *testing.T) {
	root := t.TempDir()
	// Pre-existing folders, including a legacy naming variant.
	for _, name := range []string{"auth_info3", "auth_7", "notes"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	s := New(root)
	got, err := s.AllocateFolder()
	if err != nil {
		t.Fatalf("AllocateFolder failed: %v", err)
	}
	if got != "auth_info8" {
		t.Errorf("expected auth_info8, got %s", got)
	}
}

func TestAllocateFolderConcurrent(t *testing.T) {
	s := New(t.TempDir())

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := s.AllocateFolder()
			if err != nil {
				t.Errorf("AllocateFolder failed: %v", err)
				return
			}
			results[i] = name
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, name := range results {
		if seen[name] {
			t.Fatalf("duplicate folder allocated: %s", name)
		}
		seen[name] = true
	}
}

func TestLoadInitializesEmptyState(t *testing.T) {
	s := New(t.TempDir())

	creds, err := s.Load("auth_info1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(creds.State) != "{}" {
		t.Errorf("expected empty state, got %s", creds.State)
	}
}

func TestLoadCorruptState(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "auth_info1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creds.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	s := New(root)
	_, err := s.Load("auth_info1")
	if !errors.Is(err, ErrCredentialLoad) {
		t.Errorf("expected ErrCredentialLoad, got %v", err)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	creds, err := s.Load("auth_info1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	state := json.RawMessage(`{"noiseKey":"abc","registered":true}`)
	if err := creds.Persist(state); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// No temp file left behind.
	if _, err := os.Stat(creds.path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after persist")
	}

	reloaded, err := s.Load("auth_info1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if string(reloaded.State) != string(state) {
		t.Errorf("state mismatch: got %s", reloaded.State)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Load("auth_info1"); err != nil {
		t.Fatal(err)
	}

	connectedAt := int64(1700000000000)
	meta := &Meta{
		SessionID:   "01ABC",
		Folder:      "auth_info1",
		CreatedAt:   1699999999999,
		ConnectedAt: &connectedAt,
		OwnerPhone:  "50935492574",
	}
	if err := s.WriteMeta("auth_info1", meta); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}

	got, err := s.ReadMeta("auth_info1")
	if err != nil {
		t.Fatalf("ReadMeta failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected meta record")
	}
	if got.SessionID != meta.SessionID || got.OwnerPhone != meta.OwnerPhone {
		t.Errorf("meta mismatch: %+v", got)
	}
	if got.ConnectedAt == nil || *got.ConnectedAt != connectedAt {
		t.Errorf("connectedAt mismatch: %+v", got.ConnectedAt)
	}
}

func TestReadMetaMissing(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Load("auth_info1"); err != nil {
		t.Fatal(err)
	}

	meta, err := s.ReadMeta("auth_info1")
	if err != nil {
		t.Fatalf("ReadMeta failed: %v", err)
	}
	if meta != nil {
		t.Errorf("expected nil meta for missing record, got %+v", meta)
	}
}

func TestRemove(t *testing.T) {
	s := New(t.TempDir())
	folder, err := s.AllocateFolder()
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(folder); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), folder)); !os.IsNotExist(err) {
		t.Error("folder should be gone")
	}

	// Removing twice or removing nothing is fine.
	if err := s.Remove(folder); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
	if err := s.Remove(""); err != nil {
		t.Errorf("empty Remove failed: %v", err)
	}
}
