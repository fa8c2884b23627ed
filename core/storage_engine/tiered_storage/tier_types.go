package tiered_storage

import (
	"context"
	"errors"
	"io"
)

// StorageTierType defines the type of storage tier.
type StorageTierType string

const (
	MainTier    StorageTierType = "main"    // fast, always available
	ArchiveTier StorageTierType = "archive" // slow, holds the durable copy
)

var (
	// ErrNotFound is returned by Get and Delete when nothing is stored at a location.
	ErrNotFound = errors.New("nothing stored at location")
	// ErrInvalidLocation is returned for locations that escape the storage root.
	ErrInvalidLocation = errors.New("invalid storage location")
)

// Backend is the byte-level contract shared by the main and archive tiers.
// Locations are slash-separated paths relative to the tier root.
type Backend interface {
	Tier() StorageTierType
	Exists(ctx context.Context, location string) (bool, error)
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	// Put stores r at location, replacing any previous content, and returns
	// the number of bytes read from r.
	Put(ctx context.Context, location string, r io.Reader) (int64, error)
	Delete(ctx context.Context, location string) error
}
