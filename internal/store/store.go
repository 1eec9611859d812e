// Package store provides the embedded document store backing Careloop.
//
// The core treats storage as an opaque collection of named JSON documents:
// agents read and write whole documents by well-known name and never see
// the storage mechanism. The SQLite implementation in this package also
// keeps the durable copy of the event log for audit.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/careloop-ai/careloop/internal/model"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// Well-known document names. Each holds only the latest value; history is
// deliberately not retained.
const (
	DocBooking  = "booking"
	DocCoverage = "coverage"
	DocWellness = "wellness"
)

// DocumentStore is opaque get/put of named JSON documents.
type DocumentStore interface {
	// Read returns the current body of the named document, or ErrNotFound.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write replaces the named document. Last writer wins.
	Write(ctx context.Context, name string, body []byte) error
}

// ReadDoc unmarshals the named document into T. A missing document is
// reported as ErrNotFound; callers that only want best-effort reads are
// expected to treat any error as "no document".
func ReadDoc[T any](ctx context.Context, s DocumentStore, name string) (*T, error) {
	body, err := s.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", name, err)
	}
	return &v, nil
}

// WriteDoc marshals v and replaces the named document.
func WriteDoc[T any](ctx context.Context, s DocumentStore, name string, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", name, err)
	}
	return s.Write(ctx, name, body)
}

// ReadBooking returns the current booking, or ErrNotFound if none exists yet.
func ReadBooking(ctx context.Context, s DocumentStore) (*model.Booking, error) {
	return ReadDoc[model.Booking](ctx, s, DocBooking)
}

// WriteBooking replaces the current booking.
func WriteBooking(ctx context.Context, s DocumentStore, b model.Booking) error {
	return WriteDoc(ctx, s, DocBooking, b)
}

// ReadCoverage returns the current coverage summary, or ErrNotFound.
func ReadCoverage(ctx context.Context, s DocumentStore) (*model.CoverageSummary, error) {
	return ReadDoc[model.CoverageSummary](ctx, s, DocCoverage)
}

// WriteCoverage replaces the current coverage summary.
func WriteCoverage(ctx context.Context, s DocumentStore, c model.CoverageSummary) error {
	return WriteDoc(ctx, s, DocCoverage, c)
}

// ReadWellness returns the current wellness triage, or ErrNotFound.
func ReadWellness(ctx context.Context, s DocumentStore) (*model.WellnessTriage, error) {
	return ReadDoc[model.WellnessTriage](ctx, s, DocWellness)
}

// WriteWellness replaces the current wellness triage.
func WriteWellness(ctx context.Context, s DocumentStore, w model.WellnessTriage) error {
	return WriteDoc(ctx, s, DocWellness, w)
}
