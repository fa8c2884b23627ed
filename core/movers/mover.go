package movers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/storage_engine/common"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
)

// bundleSuffix names the archive object holding a whole dataset.
const bundleSuffix = ".zip"

// mover performs the tier operations for one granularity. Each method
// returns the number of bytes copied between tiers.
type mover interface {
	write(ctx context.Context, e catalog.Entity) (int64, error)
	archive(ctx context.Context, e catalog.Entity) (int64, error)
	restore(ctx context.Context, e catalog.Entity) (int64, error)
	delete(ctx context.Context, e catalog.Entity) error
}

type tierCopier struct {
	mainTier    tiered_storage.Backend
	archiveTier tiered_storage.Backend
	limiter     *rate.Limiter
}

// copy streams src:from into dst:to through the limiter.
func (c tierCopier) copy(ctx context.Context, src, dst tiered_storage.Backend, from, to string) (int64, string, error) {
	rc, err := src.Get(ctx, from)
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()
	r := common.NewThrottledReader(ctx, rc, c.limiter)
	n, err := dst.Put(ctx, to, r)
	if err != nil {
		return n, "", err
	}
	return n, r.Checksum(), nil
}

func deleteIfPresent(ctx context.Context, b tiered_storage.Backend, location string) error {
	if err := b.Delete(ctx, location); err != nil && !errors.Is(err, tiered_storage.ErrNotFound) {
		return err
	}
	return nil
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// datafileMover moves single files; the archive copy lives at the same
// location as the main copy.
type datafileMover struct {
	tierCopier
	logger *zap.Logger
}

func (m *datafileMover) write(ctx context.Context, e catalog.Entity) (int64, error) {
	n, sum, err := m.copy(ctx, m.mainTier, m.archiveTier, e.Location, e.Location)
	if errors.Is(err, tiered_storage.ErrNotFound) {
		// Gone from the main tier since the write was queued; nothing to persist.
		m.logger.Warn("Datafile vanished before its write", zap.Int64("entityID", e.ID), zap.String("location", e.Location))
		return 0, nil
	}
	if err != nil {
		return n, fmt.Errorf("write datafile %d: %w", e.ID, err)
	}
	m.logger.Debug("Datafile written to archive", zap.Int64("entityID", e.ID), zap.String("sha256", sum))
	return n, nil
}

func (m *datafileMover) archive(ctx context.Context, e catalog.Entity) (int64, error) {
	var n int64
	ok, err := m.archiveTier.Exists(ctx, e.Location)
	if err != nil {
		return 0, fmt.Errorf("archive datafile %d: %w", e.ID, err)
	}
	if !ok {
		if n, _, err = m.copy(ctx, m.mainTier, m.archiveTier, e.Location, e.Location); err != nil {
			return n, fmt.Errorf("archive datafile %d: %w", e.ID, err)
		}
	}
	if err := deleteIfPresent(ctx, m.mainTier, e.Location); err != nil {
		return n, fmt.Errorf("archive datafile %d: %w", e.ID, err)
	}
	return n, nil
}

func (m *datafileMover) restore(ctx context.Context, e catalog.Entity) (int64, error) {
	n, sum, err := m.copy(ctx, m.archiveTier, m.mainTier, e.Location, e.Location)
	if err != nil {
		return n, fmt.Errorf("restore datafile %d: %w", e.ID, err)
	}
	m.logger.Debug("Datafile restored", zap.Int64("entityID", e.ID), zap.String("sha256", sum))
	return n, nil
}

func (m *datafileMover) delete(ctx context.Context, e catalog.Entity) error {
	if err := deleteIfPresent(ctx, m.archiveTier, e.Location); err != nil {
		return fmt.Errorf("delete datafile %d: %w", e.ID, err)
	}
	if err := deleteIfPresent(ctx, m.mainTier, e.Location); err != nil {
		return fmt.Errorf("delete datafile %d: %w", e.ID, err)
	}
	return nil
}

// datasetMover keeps one zip bundle per dataset on the archive tier.
type datasetMover struct {
	tierCopier
	resolver catalog.Resolver
	logger   *zap.Logger
}

func bundleOf(e catalog.Entity) string { return e.Location + bundleSuffix }

// bundle streams the datafiles of a dataset from the main tier into its archive bundle.
func (m *datasetMover) bundle(ctx context.Context, e catalog.Entity) (int64, error) {
	ds, err := m.resolver.Dataset(ctx, e.ID)
	if err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.writeBundle(ctx, pw, ds))
	}()
	n, err := m.archiveTier.Put(ctx, bundleOf(e), pr)
	pr.Close()
	if err != nil {
		return n, err
	}
	return n, nil
}

func (m *datasetMover) writeBundle(ctx context.Context, w io.Writer, ds catalog.Dataset) error {
	zw := zip.NewWriter(w)
	for _, df := range ds.Datafiles {
		rc, err := m.mainTier.Get(ctx, df.Location)
		if errors.Is(err, tiered_storage.ErrNotFound) {
			m.logger.Warn("Datafile missing from main tier, left out of bundle",
				zap.Int64("datasetID", ds.ID), zap.Int64("datafileID", df.ID), zap.String("location", df.Location))
			continue
		}
		if err != nil {
			return err
		}
		// The archive tier compresses; the bundle only groups.
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: df.Location, Method: zip.Store})
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(fw, common.NewThrottledReader(ctx, rc, m.limiter))
		rc.Close()
		if err != nil {
			return fmt.Errorf("bundle %s: %w", df.Location, err)
		}
	}
	return zw.Close()
}

func (m *datasetMover) write(ctx context.Context, e catalog.Entity) (int64, error) {
	n, err := m.bundle(ctx, e)
	if err != nil {
		return n, fmt.Errorf("write dataset %d: %w", e.ID, err)
	}
	return n, nil
}

func (m *datasetMover) archive(ctx context.Context, e catalog.Entity) (int64, error) {
	var n int64
	ok, err := m.archiveTier.Exists(ctx, bundleOf(e))
	if err != nil {
		return 0, fmt.Errorf("archive dataset %d: %w", e.ID, err)
	}
	if !ok {
		if n, err = m.bundle(ctx, e); err != nil {
			return n, fmt.Errorf("archive dataset %d: %w", e.ID, err)
		}
	}
	if err := deleteIfPresent(ctx, m.mainTier, e.Location); err != nil {
		return n, fmt.Errorf("archive dataset %d: %w", e.ID, err)
	}
	return n, nil
}

func (m *datasetMover) restore(ctx context.Context, e catalog.Entity) (int64, error) {
	n, err := m.unbundle(ctx, e)
	if err != nil {
		return n, fmt.Errorf("restore dataset %d: %w", e.ID, err)
	}
	return n, nil
}

// unbundle spools the archive bundle to a temporary file, since zip needs
// random access, and extracts every member onto the main tier.
func (m *datasetMover) unbundle(ctx context.Context, e catalog.Entity) (int64, error) {
	rc, err := m.archiveTier.Get(ctx, bundleOf(e))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "gojods-restore-*"+bundleSuffix)
	if err != nil {
		return 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, common.NewThrottledReader(ctx, rc, m.limiter))
	if err != nil {
		return 0, fmt.Errorf("spool bundle: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return 0, fmt.Errorf("open bundle: %w", err)
	}
	var n int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return n, fmt.Errorf("open %s in bundle: %w", f.Name, err)
		}
		written, err := m.mainTier.Put(ctx, f.Name, r)
		r.Close()
		n += written
		if err != nil {
			return n, err
		}
	}
	m.logger.Debug("Dataset restored",
		zap.Int64("datasetID", e.ID),
		zap.Int("datafiles", len(zr.File)),
		zap.String("size", humanizeBytes(n)))
	return n, nil
}

func (m *datasetMover) delete(ctx context.Context, e catalog.Entity) error {
	if err := deleteIfPresent(ctx, m.archiveTier, bundleOf(e)); err != nil {
		return fmt.Errorf("delete dataset %d: %w", e.ID, err)
	}
	if err := deleteIfPresent(ctx, m.mainTier, e.Location); err != nil {
		return fmt.Errorf("delete dataset %d: %w", e.ID, err)
	}
	return nil
}
