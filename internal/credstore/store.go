// Package credstore persists per-session credential material on disk.
//
// Each session owns one directory under a configured root. The directory
// holds the transport library's opaque credential state (creds.json) plus a
// manager-owned meta.json record. Folder names carry a monotonic numeric
// suffix; allocation scans existing names and increments the maximum found.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

var (
	// ErrCredentialLoad marks an unreadable or corrupt credential folder.
	// It is fatal for that session's creation attempt, not for the process.
	ErrCredentialLoad = errors.New("credential load failed")
)

const (
	credsFile  = "creds.json"
	metaFile   = "meta.json"
	folderStem = "auth_info"
)

// folderPattern matches allocated folder names and captures their numeric
// suffix. The looser "auth_" prefix keeps folders from older deployments
// counted so their numbers are never reissued.
var folderPattern = regexp.MustCompile(`^auth_\D*(\d+)$`)

// Meta is the manager-owned record stored beside the credential files. It
// is rewritten whole on each relevant state change.
type Meta struct {
	SessionID   string `json:"sessionId"`
	Folder      string `json:"folderName"`
	CreatedAt   int64  `json:"createdAt"`
	ConnectedAt *int64 `json:"connectedAt,omitempty"`
	OwnerPhone  string `json:"ownerPhone,omitempty"`
	BotName     string `json:"botName,omitempty"`
	Bridge      string `json:"bridge,omitempty"`
}

// Store manages credential folders under a single root directory.
type Store struct {
	root string

	// mu serializes folder allocation within the process; the flock in
	// AllocateFolder serializes across processes sharing the root.
	mu sync.Mutex
}

// New creates a Store rooted at the given directory.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the sessions root directory.
func (s *Store) Root() string {
	return s.root
}

// EnsureRoot creates the root directory if it does not exist.
func (s *Store) EnsureRoot() error {
	return os.MkdirAll(s.root, 0755)
}

// AllocateFolder returns the next unused folder name and creates its
// directory. Numbering starts at 1 and never reuses a number while the
// directory still exists.
func (s *Store) AllocateFolder() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureRoot(); err != nil {
		return "", fmt.Errorf("ensure sessions root: %w", err)
	}

	lock := NewFileLock(filepath.Join(s.root, ".alloc"))
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("acquire allocation lock: %w", err)
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("scan sessions root: %w", err)
	}

	max := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := folderPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}

	name := folderStem + strconv.Itoa(max+1)
	if err := os.MkdirAll(filepath.Join(s.root, name), 0755); err != nil {
		return "", fmt.Errorf("create credential folder: %w", err)
	}
	return name, nil
}

// Load reads or initializes the credential state for a folder. A missing
// creds.json yields an empty state; an unreadable or corrupt one returns an
// ErrCredentialLoad-wrapped error.
func (s *Store) Load(folder string) (*Credentials, error) {
	dir := filepath.Join(s.root, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCredentialLoad, folder, err)
	}

	creds := &Credentials{
		Folder: folder,
		State:  json.RawMessage("{}"),
		path:   filepath.Join(dir, credsFile),
	}

	data, err := os.ReadFile(creds.path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCredentialLoad, folder, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s: corrupt state", ErrCredentialLoad, folder)
	}
	creds.State = json.RawMessage(data)
	return creds, nil
}

// Remove deletes a credential folder and everything in it.
func (s *Store) Remove(folder string) error {
	if folder == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.root, folder))
}

// ReadMeta reads the meta record for a folder. A missing record returns
// (nil, nil): sessions created before meta existed still resume.
func (s *Store) ReadMeta(folder string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.root, folder, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &meta, nil
}

// WriteMeta rewrites the meta record for a folder.
func (s *Store) WriteMeta(folder string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return atomicWrite(filepath.Join(s.root, folder, metaFile), data)
}

// Credentials is the loaded credential state for one folder plus its
// persistence hook. Persist must be invoked on every credential-update
// event from the transport; last write wins.
type Credentials struct {
	Folder string
	State  json.RawMessage

	path string
}

// Persist writes a new credential snapshot to disk.
func (c *Credentials) Persist(state json.RawMessage) error {
	if err := atomicWrite(c.path, state); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	c.State = state
	return nil
}

// atomicWrite writes to a temp file then renames into place.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
