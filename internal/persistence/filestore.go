package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the fallback Store used when no database URL is configured.
// Credentials live in data/credentials.json under the hub home directory;
// task and panel data are in-memory only and lost on restart. The interface
// is identical to the SQLite store so callers never branch.
type FileStore struct {
	mu    sync.Mutex
	path  string
	creds map[string]Credential
}

type credentialsFile struct {
	Credentials []Credential `json:"credentials"`
}

// OpenFile loads (or initializes) the credentials file under homeDir.
func OpenFile(homeDir string) (*FileStore, error) {
	dir := filepath.Join(homeDir, "data")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store := &FileStore{
		path:  filepath.Join(dir, "credentials.json"),
		creds: make(map[string]Credential),
	}

	data, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read %s: %w", store.path, err)
	}
	var file credentialsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", store.path, err)
	}
	for _, cred := range file.Credentials {
		store.creds[cred.AgentName] = cred
	}
	return store, nil
}

func (s *FileStore) Credentials() CredentialRepo { return (*fileCredentialRepo)(s) }
func (s *FileStore) Tasks() TaskRepo             { return nopTaskRepo{} }
func (s *FileStore) Panels() PanelRepo           { return nopPanelRepo{} }

func (s *FileStore) Close() error { return nil }

// flush writes the credential set atomically: temp file then rename, 0600.
// Caller holds s.mu.
func (s *FileStore) flush() error {
	file := credentialsFile{Credentials: make([]Credential, 0, len(s.creds))}
	for _, cred := range s.creds {
		file.Credentials = append(file.Credentials, cred)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

type fileCredentialRepo FileStore

func (r *fileCredentialRepo) Upsert(_ context.Context, cred Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	r.creds[cred.AgentName] = cred
	return (*FileStore)(r).flush()
}

func (r *fileCredentialRepo) FindByName(_ context.Context, agentName string) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[agentName]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (r *fileCredentialRepo) Delete(_ context.Context, agentName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[agentName]; !ok {
		return nil
	}
	delete(r.creds, agentName)
	return (*FileStore)(r).flush()
}

func (r *fileCredentialRepo) LoadAll(_ context.Context) ([]Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	creds := make([]Credential, 0, len(r.creds))
	for _, cred := range r.creds {
		creds = append(creds, cred)
	}
	return creds, nil
}

// nopTaskRepo drops all writes and reads back nothing. Task state in
// fallback mode exists only in the task store's memory.
type nopTaskRepo struct{}

func (nopTaskRepo) UpsertTask(context.Context, *Task) error             { return nil }
func (nopTaskRepo) UpdateTask(context.Context, *Task) error             { return nil }
func (nopTaskRepo) SaveBacklog(context.Context, string, string) error   { return nil }
func (nopTaskRepo) RemoveBacklog(context.Context, string, string) error { return nil }
func (nopTaskRepo) LoadActive(context.Context) ([]Task, error)          { return nil, nil }
func (nopTaskRepo) LoadBacklog(context.Context) (map[string][]string, error) {
	return map[string][]string{}, nil
}
func (nopTaskRepo) FindRecent(context.Context, string, int) ([]Task, error) { return nil, nil }

type nopPanelRepo struct{}

func (nopPanelRepo) SavePanel(context.Context, int64, int) error { return nil }
func (nopPanelRepo) LoadPanels(context.Context) (map[int64]int, error) {
	return map[int64]int{}, nil
}

// Open selects the store implementation: SQLite when databaseURL is set,
// the JSON file fallback otherwise.
func Open(databaseURL, homeDir string) (Store, error) {
	if databaseURL != "" {
		return OpenSQL(databaseURL)
	}
	return OpenFile(homeDir)
}
