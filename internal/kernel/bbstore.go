package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrDocNotFound is returned by DocStore.Load for absent documents
var ErrDocNotFound = errors.New("document not found")

// Document is one whiteboard's markdown content plus its version metadata
type Document struct {
	Content        string    `json:"content"`
	Version        int64     `json:"version"`
	LastModifiedBy string    `json:"last_modified_by"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DocStore persists whiteboard documents keyed by their relative path
type DocStore interface {
	Load(ctx context.Context, path string) (*Document, error)
	Store(ctx context.Context, path string, doc *Document) error
}

// lockArtifactWriter is implemented by stores that can materialize lock
// state on their backend, such as .lock files or Redis keys
type lockArtifactWriter interface {
	WriteLockArtifact(path, holder string)
	RemoveLockArtifact(path string)
}

// MemoryDocStore keeps documents in a map. Used by tests and by teams that
// run without a workspace directory.
type MemoryDocStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryDocStore creates an empty in-memory document store
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{docs: make(map[string]Document)}
}

// Load returns a copy of the stored document
func (s *MemoryDocStore) Load(_ context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrDocNotFound
	}
	return &doc, nil
}

// Store saves a copy of the document
func (s *MemoryDocStore) Store(_ context.Context, path string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = *doc
	return nil
}

// docMeta is the sidecar metadata persisted next to each markdown file
type docMeta struct {
	Version        int64     `json:"version"`
	LastModifiedBy string    `json:"last_modified_by"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FileDocStore keeps each whiteboard as a plain markdown file under a
// workspace root so humans can read them mid-run. Version metadata lives in
// a parallel .meta tree and lock artifacts under .locks.
type FileDocStore struct {
	root string
	mu   sync.Mutex
}

// NewFileDocStore creates the workspace layout under root
func NewFileDocStore(root string) (*FileDocStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "whiteboards"), filepath.Join(root, ".locks"), filepath.Join(root, ".meta")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory %s: %w", dir, err)
		}
	}
	return &FileDocStore{root: root}, nil
}

// Root returns the workspace root directory
func (s *FileDocStore) Root() string {
	return s.root
}

// Load reads the markdown file and its sidecar metadata
func (s *FileDocStore) Load(_ context.Context, path string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		return nil, ErrDocNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	doc := &Document{Content: string(content), Version: 1}
	metaBytes, err := os.ReadFile(s.metaPath(path))
	if err == nil {
		var meta docMeta
		if err := json.Unmarshal(metaBytes, &meta); err == nil {
			doc.Version = meta.Version
			doc.LastModifiedBy = meta.LastModifiedBy
			doc.UpdatedAt = meta.UpdatedAt
		}
	}
	return doc, nil
}

// Store writes the markdown file and its sidecar metadata
func (s *FileDocStore) Store(_ context.Context, path string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docPath := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	if err := os.WriteFile(docPath, []byte(doc.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}

	meta := docMeta{Version: doc.Version, LastModifiedBy: doc.LastModifiedBy, UpdatedAt: doc.UpdatedAt}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}
	metaPath := s.metaPath(path)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write document metadata %s: %w", path, err)
	}
	return nil
}

// WriteLockArtifact drops a .lock file recording the holder. Best effort;
// the advisory lock table is authoritative.
func (s *FileDocStore) WriteLockArtifact(path, holder string) {
	artifact := map[string]interface{}{
		"holder":      holder,
		"acquired_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.lockPath(path), data, 0o644)
}

// RemoveLockArtifact deletes the .lock file if present
func (s *FileDocStore) RemoveLockArtifact(path string) {
	_ = os.Remove(s.lockPath(path))
}

func (s *FileDocStore) metaPath(path string) string {
	return filepath.Join(s.root, ".meta", filepath.FromSlash(path)+".json")
}

func (s *FileDocStore) lockPath(path string) string {
	name := strings.ReplaceAll(path, "/", "_") + ".lock"
	return filepath.Join(s.root, ".locks", name)
}
