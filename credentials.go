package olx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Credential Store
// ============================================================================

// Credentials is what the auth flow persists between runs.
type Credentials struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       ID     `toml:"user_id"`
	Username     string `toml:"username"`
}

// Authenticated reports whether an access token is present.
func (c Credentials) Authenticated() bool {
	return c.AccessToken != ""
}

// TokenStore is the process-wide credential store. It is read by many
// components and written only by login, refresh and logout. Version changes
// whenever the stored credentials change, including changes made by another
// process.
type TokenStore interface {
	Load() Credentials
	Save(Credentials) error
	Clear() error
	Version() uint64
}

// MemoryTokenStore keeps credentials in memory.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	creds   Credentials
	version uint64
}

// NewMemoryTokenStore creates a store seeded with creds.
func NewMemoryTokenStore(creds Credentials) *MemoryTokenStore {
	return &MemoryTokenStore{creds: creds}
}

func (s *MemoryTokenStore) Load() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *MemoryTokenStore) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != c {
		s.creds = c
		s.version++
	}
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	return s.Save(Credentials{})
}

func (s *MemoryTokenStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// FileTokenStore keeps credentials in the [auth] table of a TOML file. Other
// tables in the file are preserved on write. The file is re-read whenever its
// size or modification time changes, so a login or logout performed by
// another process is picked up on the next Load or Version call.
type FileTokenStore struct {
	path string

	mu      sync.Mutex
	creds   Credentials
	stamp   fileStamp
	version uint64
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

// NewFileTokenStore creates a store backed by path. A missing file means no
// credentials.
func NewFileTokenStore(path string) *FileTokenStore {
	s := &FileTokenStore{path: path}
	s.mu.Lock()
	s.reload()
	s.mu.Unlock()
	return s
}

// Path returns the backing file path.
func (s *FileTokenStore) Path() string { return s.path }

func (s *FileTokenStore) Load() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()
	return s.creds
}

func (s *FileTokenStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()
	return s.version
}

func (s *FileTokenStore) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readTOMLDocument(s.path)
	if err != nil {
		return err
	}
	doc["auth"] = c

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	if s.creds != c {
		s.creds = c
		s.version++
	}
	s.stamp = statFile(s.path)
	return nil
}

func (s *FileTokenStore) Clear() error {
	return s.Save(Credentials{})
}

// reload re-reads the file when its stamp changed. Must hold s.mu.
func (s *FileTokenStore) reload() {
	stamp := statFile(s.path)
	if stamp == s.stamp {
		return
	}
	s.stamp = stamp

	var next Credentials
	if stamp.exists {
		var file struct {
			Auth Credentials `toml:"auth"`
		}
		data, err := os.ReadFile(s.path)
		if err == nil && toml.Unmarshal(data, &file) == nil {
			next = file.Auth
		}
	}
	if next != s.creds {
		s.creds = next
		s.version++
	}
}

func statFile(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}
}

func readTOMLDocument(path string) (map[string]any, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}
