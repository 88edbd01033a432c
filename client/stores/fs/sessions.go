// Package fs keeps client sessions in a JSON file, for command line
// callers that have no cookie jar.
package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/panyam/masterauth/client"
)

// FSSessionStore holds one session per backend in a single file.
type FSSessionStore struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]*client.Session
}

// sessionFile is the JSON structure stored on disk
type sessionFile struct {
	Servers map[string]*client.Session `json:"servers"`
}

// NewFSSessionStore opens the store at path. If path is empty, it defaults
// to <user config dir>/<appName>/session.json.
func NewFSSessionStore(path string, appName string) (*FSSessionStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "masterauth"
		}
		path = filepath.Join(configDir, appName, "session.json")
	}
	s := &FSSessionStore{path: path, sessions: make(map[string]*client.Session)}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

func (s *FSSessionStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse session file: %w", err)
	}
	if file.Servers != nil {
		s.sessions = file.Servers
	}
	return nil
}

// normalizeURL reduces a server URL to scheme://host.
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// Put stores the session for serverURL and saves the file.
func (s *FSSessionStore) Put(serverURL string, session *client.Session) error {
	key, err := normalizeURL(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[key] = &cp
	return s.saveLocked()
}

// Get returns the session for serverURL, or nil.
func (s *FSSessionStore) Get(serverURL string) (*client.Session, error) {
	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

// ListServers returns the backends with a stored session.
func (s *FSSessionStore) ListServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		servers = append(servers, k)
	}
	sort.Strings(servers)
	return servers
}

// For returns the client.SessionStore for one backend.
func (s *FSSessionStore) For(serverURL string) (client.SessionStore, error) {
	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &serverSession{store: s, key: key}, nil
}

func (s *FSSessionStore) Path() string {
	return s.path
}

// saveLocked writes the file with owner-only permissions. Caller holds s.mu.
func (s *FSSessionStore) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(sessionFile{Servers: s.sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize sessions: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

type serverSession struct {
	store *FSSessionStore
	key   string
}

func (h *serverSession) Session() *client.Session {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	session, ok := h.store.sessions[h.key]
	if !ok {
		return nil
	}
	cp := *session
	return &cp
}

func (h *serverSession) UpdateTokens(tokens client.Tokens) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	session, ok := h.store.sessions[h.key]
	if !ok {
		return client.ErrNoSession
	}
	next := *session
	next.Tokens = tokens
	h.store.sessions[h.key] = &next
	return h.store.saveLocked()
}

func (h *serverSession) Destroy() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if _, ok := h.store.sessions[h.key]; !ok {
		return nil
	}
	delete(h.store.sessions, h.key)
	return h.store.saveLocked()
}
