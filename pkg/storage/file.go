package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/secretbuf"
)

// FileStore is a JSON-file-backed Provider. One file per credential id
// lives under dataDir/records; one file per partial-state token lives under
// dataDir/partials. It is a reference implementation for single-node
// deployments, not a production secrets backend: it provides a pluggable
// Cipher seam for at-rest encryption but ships no cipher by default, so
// callers that need confidentiality on disk must supply one.
type FileStore struct {
	dataDir string
	cipher  Cipher
	mu      sync.Mutex
}

// Cipher is the pluggable encryption seam FileStore defers to before writing
// secret bytes to disk and after reading them back. A nil Cipher stores
// bytes as given (suitable only for local development or when the
// filesystem itself is already encrypted).
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewFileStore creates dataDir (and record/partial subdirectories) if
// needed and returns a FileStore rooted there.
func NewFileStore(dataDir string, cipher Cipher) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create data dir: %w", err)
	}
	for _, sub := range []string{"records", "partials"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("file store: create %s dir: %w", sub, err)
		}
	}
	return &FileStore{dataDir: dataDir, cipher: cipher}, nil
}

// fileRecord is the on-disk shape of a credential.Record. SecretB64 holds
// the (optionally cipher-wrapped) secret bytes, base64-encoded so the file
// stays valid JSON.
type fileRecord struct {
	ID          string            `json:"id"`
	Scope       string            `json:"scope"`
	Version     uint64            `json:"version"`
	SecretB64   string            `json:"secret"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	TTLSeconds  *int64            `json:"ttl_seconds,omitempty"`
	Kind        int               `json:"kind"`
	State       int               `json:"state"`
	Predecessor string            `json:"predecessor,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`

	GraceStartedAt      *time.Time `json:"grace_started_at,omitempty"`
	GraceDeadline       *time.Time `json:"grace_deadline,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	UseCountDuringGrace int64      `json:"use_count_during_grace,omitempty"`
}

func (f *FileStore) path(id credential.ID) string {
	return filepath.Join(f.dataDir, "records", sanitizeFileName(id.String())+".json")
}

func sanitizeFileName(s string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "\\", "_")
	return replacer.Replace(s)
}

func (f *FileStore) encode(record credential.Record) (fileRecord, error) {
	var plaintext []byte
	if record.Secret != nil {
		if err := record.Secret.Open(func(p []byte) { plaintext = append([]byte(nil), p...) }); err != nil {
			return fileRecord{}, fmt.Errorf("file store: open secret: %w", err)
		}
	}
	defer clear(plaintext) // best-effort zeroing of the local copy

	stored := plaintext
	if f.cipher != nil {
		enc, err := f.cipher.Encrypt(plaintext)
		if err != nil {
			return fileRecord{}, fmt.Errorf("file store: encrypt: %w", err)
		}
		stored = enc
	}

	fr := fileRecord{
		ID:         record.ID.String(),
		Scope:      record.Scope.String(),
		Version:    uint64(record.Version),
		SecretB64:  base64.StdEncoding.EncodeToString(stored),
		CreatedAt:  record.Metadata.CreatedAt,
		UpdatedAt:  record.Metadata.UpdatedAt,
		ExpiresAt:  record.Metadata.ExpiresAt,
		TTLSeconds: record.Metadata.TTLSeconds,
		Kind:       int(record.Metadata.Kind),
		State:      int(record.Metadata.State),
		Tags:       record.Metadata.Tags,

		GraceStartedAt:      record.Metadata.GraceStartedAt,
		GraceDeadline:       record.Metadata.GraceDeadline,
		LastUsedAt:          record.Metadata.LastUsedAt,
		UseCountDuringGrace: record.Metadata.UseCountDuringGrace,
	}
	if record.Metadata.Predecessor != nil {
		fr.Predecessor = record.Metadata.Predecessor.String()
	}
	return fr, nil
}

func (f *FileStore) decode(fr fileRecord) (credential.Record, error) {
	id, err := credential.ParseID(fr.ID)
	if err != nil {
		return credential.Record{}, fmt.Errorf("file store: parse id: %w", err)
	}
	scope, err := credential.NewScope(fr.Scope)
	if err != nil {
		return credential.Record{}, fmt.Errorf("file store: parse scope: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(fr.SecretB64)
	if err != nil {
		return credential.Record{}, fmt.Errorf("file store: decode secret: %w", err)
	}
	plaintext := raw
	if f.cipher != nil {
		plaintext, err = f.cipher.Decrypt(raw)
		if err != nil {
			return credential.Record{}, fmt.Errorf("file store: decrypt: %w", err)
		}
	}

	meta := credential.Metadata{
		CreatedAt:  fr.CreatedAt,
		UpdatedAt:  fr.UpdatedAt,
		ExpiresAt:  fr.ExpiresAt,
		TTLSeconds: fr.TTLSeconds,
		Kind:       credential.Kind(fr.Kind),
		State:      credential.Lifecycle(fr.State),
		Tags:       fr.Tags,

		GraceStartedAt:      fr.GraceStartedAt,
		GraceDeadline:       fr.GraceDeadline,
		LastUsedAt:          fr.LastUsedAt,
		UseCountDuringGrace: fr.UseCountDuringGrace,
	}
	if fr.Predecessor != "" {
		pred, err := credential.ParseID(fr.Predecessor)
		if err == nil {
			meta.Predecessor = &pred
		}
	}

	return credential.Record{
		ID:       id,
		Scope:    scope,
		Version:  credential.Version(fr.Version),
		Secret:   secretbuf.New(plaintext),
		Metadata: meta,
	}, nil
}

func (f *FileStore) readFile(id credential.ID) (fileRecord, error) {
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return fileRecord{}, ErrNotFound
	}
	if err != nil {
		return fileRecord{}, fmt.Errorf("file store: read: %w", err)
	}
	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return fileRecord{}, fmt.Errorf("file store: unmarshal: %w", err)
	}
	return fr, nil
}

func (f *FileStore) writeFile(id credential.ID, fr fileRecord) error {
	data, err := json.MarshalIndent(fr, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal: %w", err)
	}
	return os.WriteFile(f.path(id), data, 0o600)
}

func (f *FileStore) Put(_ context.Context, record credential.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, err := f.encode(record)
	if err != nil {
		return err
	}
	return f.writeFile(record.ID, fr)
}

func (f *FileStore) Get(_ context.Context, id credential.ID) (credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, err := f.readFile(id)
	if err != nil {
		return credential.Record{}, err
	}
	return f.decode(fr)
}

func (f *FileStore) Delete(_ context.Context, id credential.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: delete: %w", err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]credential.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(f.dataDir, "records"))
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	var ids []credential.ID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dataDir, "records", e.Name()))
		if err != nil {
			continue
		}
		var fr fileRecord
		if err := json.Unmarshal(data, &fr); err != nil {
			continue
		}
		id, err := credential.ParseID(fr.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SupportsCAS reports true: FileStore serializes all mutation under its own
// mutex, so read-modify-write is atomic from every in-process caller's
// perspective. It does not protect against a second OS process touching the
// same directory.
func (f *FileStore) SupportsCAS() bool { return true }

func (f *FileStore) CASPut(_ context.Context, record credential.Record, expectedVersion credential.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fr, err := f.readFile(record.ID)
	switch {
	case err == ErrNotFound && expectedVersion == 0:
		// creating fresh, falls through to write below
	case err == ErrNotFound:
		return ErrCasConflict
	case err != nil:
		return err
	case credential.Version(fr.Version) != expectedVersion:
		return ErrCasConflict
	}

	encoded, err := f.encode(record)
	if err != nil {
		return err
	}
	return f.writeFile(record.ID, encoded)
}

func (f *FileStore) partialPath(token string) string {
	return filepath.Join(f.dataDir, "partials", sanitizeFileName(token)+".json")
}

func (f *FileStore) PutPartialState(_ context.Context, token string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded := base64.StdEncoding.EncodeToString(blob)
	return os.WriteFile(f.partialPath(token), []byte(encoded), 0o600)
}

func (f *FileStore) TakePartialState(_ context.Context, token string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.partialPath(token)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read partial: %w", err)
	}
	_ = os.Remove(path)
	blob, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("file store: decode partial: %w", err)
	}
	return blob, nil
}
