package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrVersionConflict is returned by Save when the stored document changed
	// after the caller loaded it
	ErrVersionConflict = errors.New("document version conflict")
)

// Store defines the interface for the shared custom data document.
// The document is read and written wholesale; Save is a compare-and-swap on
// Document.Version so concurrent writers in separate processes never
// silently overwrite each other.
type Store interface {
	// Load returns the current document, or an empty document with version 0
	// if nothing was ever saved
	Load(ctx context.Context) (*Document, error)

	// Save persists doc if the stored version still equals doc.Version.
	// On success doc.Version is advanced to the new stored version.
	Save(ctx context.Context, doc *Document) error

	// Lifecycle
	Close() error
}

// Document is the persisted key-value blob shared by every instance
type Document struct {
	Data    map[string]json.RawMessage
	Version int64
}

// NewDocument returns an empty, never-saved document
func NewDocument() *Document {
	return &Document{Data: make(map[string]json.RawMessage)}
}

// DecodeDocument builds a document from its serialized data
func DecodeDocument(raw []byte, version int64) (*Document, error) {
	doc := &Document{Data: make(map[string]json.RawMessage), Version: version}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc.Data == nil {
		doc.Data = make(map[string]json.RawMessage)
	}
	return doc, nil
}

// Encode serializes the document data
func (d *Document) Encode() ([]byte, error) {
	if d.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Data)
}

// Clone returns a deep copy, so callers can mutate it without touching the
// document they loaded
func (d *Document) Clone() *Document {
	c := &Document{Data: make(map[string]json.RawMessage, len(d.Data)), Version: d.Version}
	for k, v := range d.Data {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		c.Data[k] = raw
	}
	return c
}

// Has reports whether key is present
func (d *Document) Has(key string) bool {
	_, ok := d.Data[key]
	return ok
}

// Get decodes the value stored under key into v. It reports false if the key
// is absent.
func (d *Document) Get(key string, v any) (bool, error) {
	raw, ok := d.Data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// Raw returns the undecoded value stored under key
func (d *Document) Raw(key string) (json.RawMessage, bool) {
	raw, ok := d.Data[key]
	return raw, ok
}

// Set encodes v and stores it under key
func (d *Document) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if d.Data == nil {
		d.Data = make(map[string]json.RawMessage)
	}
	d.Data[key] = raw
	return nil
}

// Delete removes key
func (d *Document) Delete(key string) {
	delete(d.Data, key)
}

// Keys returns the document keys in sorted order
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.Data))
	for k := range d.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
