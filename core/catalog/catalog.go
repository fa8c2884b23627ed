// Package catalog models the datasets and datafiles tracked by the data service
// and defines the contract of the external catalog that resolves identifiers
// into entity metadata.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when an identifier does not resolve to a catalog entry.
var ErrNotFound = errors.New("catalog entry not found")

// Kind distinguishes the two entity types the coordinator can track.
type Kind int

const (
	KindDatafile Kind = iota
	KindDataset
)

func (k Kind) String() string {
	switch k {
	case KindDatafile:
		return "datafile"
	case KindDataset:
		return "dataset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entity is the unit of action of the coordinator. Two entities are equal when
// their ids are equal; the remaining fields are carried so that the entity can
// be locked and moved without going back to the catalog.
type Entity struct {
	ID        int64  `json:"id"`
	Kind      Kind   `json:"-"`
	DatasetID int64  `json:"datasetId"` // container; equal to ID for dataset entities
	Location  string `json:"location"`
}

// Datafile is a single stored file belonging to a dataset.
type Datafile struct {
	ID        int64  `yaml:"id" json:"id"`
	DatasetID int64  `yaml:"-" json:"datasetId"`
	Name      string `yaml:"name" json:"name"`
	Location  string `yaml:"location" json:"location"`
}

// Entity returns the datafile as a coordinator entity.
func (df Datafile) Entity() Entity {
	return Entity{ID: df.ID, Kind: KindDatafile, DatasetID: df.DatasetID, Location: df.Location}
}

// Dataset groups datafiles; it is the container used for locking.
type Dataset struct {
	ID        int64      `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Location  string     `yaml:"location" json:"location"`
	Datafiles []Datafile `yaml:"datafiles" json:"datafiles"`
}

// Entity returns the dataset as a coordinator entity.
func (ds Dataset) Entity() Entity {
	return Entity{ID: ds.ID, Kind: KindDataset, DatasetID: ds.ID, Location: ds.Location}
}

// Resolver is the contract of the external catalog service.
type Resolver interface {
	Dataset(ctx context.Context, id int64) (Dataset, error)
	Datafile(ctx context.Context, id int64) (Datafile, error)
}

// MemoryCatalog is an in-process Resolver. The server loads it from a YAML
// file; tests populate it directly.
type MemoryCatalog struct {
	mu        sync.RWMutex
	datasets  map[int64]Dataset
	datafiles map[int64]Datafile
}

type catalogFile struct {
	Datasets []Dataset `yaml:"datasets"`
}

// NewMemoryCatalog returns a catalog holding the given datasets.
func NewMemoryCatalog(datasets ...Dataset) *MemoryCatalog {
	c := &MemoryCatalog{
		datasets:  make(map[int64]Dataset),
		datafiles: make(map[int64]Datafile),
	}
	for _, ds := range datasets {
		c.Put(ds)
	}
	return c
}

// LoadFile reads a YAML catalog of the form `datasets: [{id, name, location, datafiles: [...]}]`.
func LoadFile(path string) (*MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	c := NewMemoryCatalog()
	for _, ds := range f.Datasets {
		if ds.ID == 0 {
			return nil, fmt.Errorf("catalog file %s: dataset %q has no id", path, ds.Name)
		}
		c.Put(ds)
	}
	return c, nil
}

// Put adds or replaces a dataset and its datafiles.
func (c *MemoryCatalog) Put(ds Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.datasets[ds.ID]; ok {
		for _, df := range old.Datafiles {
			delete(c.datafiles, df.ID)
		}
	}
	files := make([]Datafile, len(ds.Datafiles))
	for i, df := range ds.Datafiles {
		df.DatasetID = ds.ID
		files[i] = df
		c.datafiles[df.ID] = df
	}
	ds.Datafiles = files
	c.datasets[ds.ID] = ds
}

// RemoveDataset drops a dataset and its datafiles from the catalog.
func (c *MemoryCatalog) RemoveDataset(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.datasets[id]; ok {
		for _, df := range ds.Datafiles {
			delete(c.datafiles, df.ID)
		}
		delete(c.datasets, id)
	}
}

// Dataset implements Resolver.
func (c *MemoryCatalog) Dataset(_ context.Context, id int64) (Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds, ok := c.datasets[id]
	if !ok {
		return Dataset{}, fmt.Errorf("dataset %d: %w", id, ErrNotFound)
	}
	return ds, nil
}

// Datafile implements Resolver.
func (c *MemoryCatalog) Datafile(_ context.Context, id int64) (Datafile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	df, ok := c.datafiles[id]
	if !ok {
		return Datafile{}, fmt.Errorf("datafile %d: %w", id, ErrNotFound)
	}
	return df, nil
}

// SortEntities orders entities by id and removes duplicates.
func SortEntities(entities []Entity) []Entity {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	out := sorted[:0]
	for i, e := range sorted {
		if i > 0 && e.ID == sorted[i-1].ID {
			continue
		}
		out = append(out, e)
	}
	return out
}
