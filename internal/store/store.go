// Package store is the shared document store the chat mesh coordinates
// through. Presence records and signal envelopes live in named collections;
// every participant watches the collections it cares about in real time.
//
// Two backends exist: Redis for multi-node deployments and Memory for
// tests and single-process demos. Both guarantee that Delete reports
// success to exactly one caller per document, which is what makes
// delete-on-read signal consumption exactly-once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyID = errors.New("document id is empty")

// ChangeKind tells watchers what happened to a document.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Document is one keyed record of a collection.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Change is a single commit observed by a watcher. Removed changes carry the
// last stored body so filters still apply.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Filter is an equality predicate on a top-level field. The zero Filter
// matches every document.
type Filter struct {
	Field string
	Value string
}

// Match reports whether the JSON body satisfies the filter.
func (f Filter) Match(data []byte) bool {
	if f.Field == "" {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	v, ok := fields[f.Field]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// Store is the contract the presence registry and signal relay rely on.
type Store interface {
	// Set upserts the document stored under id and clears any expiry.
	Set(ctx context.Context, collection, id string, doc any) error
	// Add stores doc under a generated id and returns it.
	Add(ctx context.Context, collection string, doc any) (string, error)
	// Delete removes a document. Only the caller that actually removed it
	// gets true.
	Delete(ctx context.Context, collection, id string) (bool, error)
	// Expire removes the document once ttl elapses unless it is set again
	// first. It reports false when the document does not exist.
	Expire(ctx context.Context, collection, id string, ttl time.Duration) (bool, error)
	// Query returns matching documents in insertion order.
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	// Watch streams batches of matching changes. The first batch is the
	// current snapshot reported as added documents; later batches follow
	// commit order. The channel is closed once ctx is done.
	Watch(ctx context.Context, collection string, filter Filter) (<-chan []Change, error)
}

func encode(doc any) ([]byte, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}
