// Package settings implements the persisted runtime configuration record.
//
// The record is stored as a single JSON document. Every write is a merge of a
// patch over the stored document, so keys written by newer versions survive
// and missing keys resolve to defaults on read.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/scaneye/scaneye/internal/models"
)

// ErrNotFound is returned by a Backend when no document has been saved yet.
var ErrNotFound = errors.New("settings document not found")

// Backend persists the raw settings document.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, doc []byte) error
}

// Store serializes all reads and read-modify-write cycles against a Backend.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

// NewStore creates a store over the given backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "settings"),
	}
}

// Get returns the persisted settings merged over defaults. A missing document
// is created with defaults. On a read failure the defaults are returned
// together with a *models.PersistenceError.
func (s *Store) Get(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if errors.Is(err, ErrNotFound) {
		defaults := models.DefaultSettings()
		if err := s.save(ctx, defaultDocument()); err != nil {
			s.logger.ErrorContext(ctx, "Failed to initialize settings", "error", err)
			return defaults, err
		}
		s.logger.InfoContext(ctx, "Initialized settings with defaults")
		return defaults, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read settings, using defaults", "error", err)
		return models.DefaultSettings(), err
	}

	return s.decode(doc), nil
}

// Update merges patch over the stored document and writes the result. When the
// read or the write fails the stored document is left as it was and a
// *models.PersistenceError is returned.
func (s *Store) Update(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	existed := err == nil
	switch {
	case errors.Is(err, ErrNotFound):
		doc = defaultDocument()
	case err != nil:
		return models.Settings{}, err
	}

	if existed && patch.IsEmpty() {
		return s.decode(doc), nil
	}

	overlay, err := patchDocument(patch)
	if err != nil {
		return models.Settings{}, &models.PersistenceError{Op: "encode", Err: err}
	}
	for k, v := range overlay {
		doc[k] = v
	}

	if err := s.save(ctx, doc); err != nil {
		return models.Settings{}, err
	}

	return s.decode(doc), nil
}

type document map[string]json.RawMessage

var errNotObject = errors.New("settings document is not a JSON object")

func (s *Store) load(ctx context.Context) (document, error) {
	raw, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "read", Err: err}
	}

	doc := document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &models.PersistenceError{Op: "read", Err: err}
	}
	if doc == nil {
		return nil, &models.PersistenceError{Op: "read", Err: errNotObject}
	}
	return doc, nil
}

func (s *Store) save(ctx context.Context, doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &models.PersistenceError{Op: "encode", Err: err}
	}
	if err := s.backend.Save(ctx, raw); err != nil {
		return &models.PersistenceError{Op: "write", Err: err}
	}
	return nil
}

// decode lays the document over the defaults. Fields with an unexpected type
// keep their default.
func (s *Store) decode(doc document) models.Settings {
	settings := models.DefaultSettings()
	raw, err := json.Marshal(doc)
	if err != nil {
		return settings
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		s.logger.Warn("Settings document has malformed fields", "error", err)
	}
	return settings
}

func defaultDocument() document {
	doc, _ := toDocument(models.DefaultSettings())
	return doc
}

func patchDocument(patch models.SettingsPatch) (document, error) {
	return toDocument(patch)
}

func toDocument(v any) (document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
