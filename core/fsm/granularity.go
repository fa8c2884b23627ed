package fsm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/lockmanager"
)

// Granularity selects the unit of action of a deployment.
type Granularity int

const (
	// GranularityNone is a single-tier deployment: nothing is ever archived.
	GranularityNone Granularity = iota
	GranularityDatafile
	GranularityDataset
)

func (g Granularity) String() string {
	switch g {
	case GranularityNone:
		return "none"
	case GranularityDatafile:
		return "datafile"
	case GranularityDataset:
		return "dataset"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// MarshalText renders the granularity in status snapshots.
func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// ParseGranularity parses a configuration value.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return GranularityNone, nil
	case "datafile":
		return GranularityDatafile, nil
	case "dataset":
		return GranularityDataset, nil
	}
	return GranularityNone, fmt.Errorf("%w: unrecognized granularity %q", ErrInternal, s)
}

// EntityKind is the kind of entity a deployment of this granularity tracks.
func (g Granularity) EntityKind() catalog.Kind {
	if g == GranularityDataset {
		return catalog.KindDataset
	}
	return catalog.KindDatafile
}

// strategy holds the behaviour that differs between granularities.
type strategy interface {
	kind() catalog.Kind
	// containerOf returns the dataset whose lock guards e, if e carries it.
	containerOf(e catalog.Entity) (int64, bool)
	// resolveContainer looks the dataset of e up in the catalog.
	resolveContainer(ctx context.Context, e catalog.Entity) (int64, error)
	lockScope(op DeferredOp) lockmanager.LockType
	// resolve looks an entity up by id, for marker replay.
	resolve(ctx context.Context, id int64) (catalog.Entity, error)
}

func newStrategy(g Granularity, resolver catalog.Resolver) (strategy, error) {
	switch g {
	case GranularityNone:
		return nil, nil
	case GranularityDatafile:
		return datafileStrategy{resolver: resolver}, nil
	case GranularityDataset:
		return datasetStrategy{resolver: resolver}, nil
	}
	return nil, fmt.Errorf("%w: unrecognized granularity %d", ErrInternal, int(g))
}

// Writes only read from the main tier, so they can share a dataset.
func lockScope(op DeferredOp) lockmanager.LockType {
	if op == OpWrite {
		return lockmanager.Shared
	}
	return lockmanager.Exclusive
}

type datafileStrategy struct {
	resolver catalog.Resolver
}

func (datafileStrategy) kind() catalog.Kind { return catalog.KindDatafile }

func (datafileStrategy) containerOf(e catalog.Entity) (int64, bool) {
	return e.DatasetID, e.DatasetID != 0
}

func (s datafileStrategy) resolveContainer(ctx context.Context, e catalog.Entity) (int64, error) {
	df, err := s.resolver.Datafile(ctx, e.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve dataset of datafile %d: %w", e.ID, err)
	}
	return df.DatasetID, nil
}

func (datafileStrategy) lockScope(op DeferredOp) lockmanager.LockType { return lockScope(op) }

func (s datafileStrategy) resolve(ctx context.Context, id int64) (catalog.Entity, error) {
	df, err := s.resolver.Datafile(ctx, id)
	if err != nil {
		return catalog.Entity{}, err
	}
	return df.Entity(), nil
}

type datasetStrategy struct {
	resolver catalog.Resolver
}

func (datasetStrategy) kind() catalog.Kind { return catalog.KindDataset }

func (datasetStrategy) containerOf(e catalog.Entity) (int64, bool) { return e.ID, true }

func (datasetStrategy) resolveContainer(_ context.Context, e catalog.Entity) (int64, error) {
	return e.ID, nil
}

func (datasetStrategy) lockScope(op DeferredOp) lockmanager.LockType { return lockScope(op) }

func (s datasetStrategy) resolve(ctx context.Context, id int64) (catalog.Entity, error) {
	ds, err := s.resolver.Dataset(ctx, id)
	if err != nil {
		return catalog.Entity{}, err
	}
	return ds.Entity(), nil
}
