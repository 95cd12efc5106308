package config

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DocumentKind names one of the two declarative documents.
type DocumentKind string

const (
	ServicesDocumentKind DocumentKind = "services"
	RBACDocumentKind     DocumentKind = "rbac"
)

// Source reads and writes the raw documents.
type Source interface {
	// Read returns ErrDocumentNotFound when the document does not exist.
	Read(ctx context.Context, kind DocumentKind) ([]byte, error)
	Write(ctx context.Context, kind DocumentKind, data []byte) error
	// Location describes where a document lives, for logs.
	Location(kind DocumentKind) string
}

//go:embed defaults/services.yml defaults/rbac.yml
var defaultDocuments embed.FS

// DefaultDocument returns the embedded fallback for kind.
func DefaultDocument(kind DocumentKind) []byte {
	data, err := defaultDocuments.ReadFile("defaults/" + string(kind) + ".yml")
	if err != nil {
		panic(fmt.Sprintf("embedded default %s document missing: %v", kind, err))
	}
	return data
}

// FileSource keeps the documents in two YAML files.
type FileSource struct {
	ServicesPath string
	RBACPath     string
}

// NewFileSource returns a FileSource for the given paths.
func NewFileSource(servicesPath, rbacPath string) *FileSource {
	return &FileSource{ServicesPath: servicesPath, RBACPath: rbacPath}
}

func (f *FileSource) path(kind DocumentKind) string {
	if kind == RBACDocumentKind {
		return f.RBACPath
	}
	return f.ServicesPath
}

// Location returns the file path of the document.
func (f *FileSource) Location(kind DocumentKind) string {
	return f.path(kind)
}

// Read reads the document file.
func (f *FileSource) Read(_ context.Context, kind DocumentKind) ([]byte, error) {
	data, err := os.ReadFile(f.path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s document: %w", kind, err)
	}
	return data, nil
}

// Write replaces the document file atomically via a temp file and rename.
func (f *FileSource) Write(_ context.Context, kind DocumentKind, data []byte) error {
	path := f.path(kind)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing %s document: %w", kind, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s document: %w", kind, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s document: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s document: %w", kind, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("writing %s document: %w", kind, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// MemorySource keeps documents in memory. Documents never written read as
// missing.
type MemorySource struct {
	mu   sync.Mutex
	docs map[DocumentKind][]byte
}

// NewMemorySource returns a MemorySource seeded with the given documents;
// a nil document is treated as missing.
func NewMemorySource(services, rbac []byte) *MemorySource {
	m := &MemorySource{docs: make(map[DocumentKind][]byte)}
	if services != nil {
		m.docs[ServicesDocumentKind] = services
	}
	if rbac != nil {
		m.docs[RBACDocumentKind] = rbac
	}
	return m
}

// Location returns a placeholder location.
func (m *MemorySource) Location(kind DocumentKind) string {
	return "memory:" + string(kind)
}

// Read returns a copy of the stored document.
func (m *MemorySource) Read(_ context.Context, kind DocumentKind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[kind]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return bytes.Clone(data), nil
}

// Write stores a copy of data.
func (m *MemorySource) Write(_ context.Context, kind DocumentKind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[kind] = bytes.Clone(data)
	return nil
}
