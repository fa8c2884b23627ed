package tiered_storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const archiveSuffix = ".zst"

// DirStorage is a Backend rooted at a local directory. The archive flavour
// stores every object zstd-compressed.
type DirStorage struct {
	root     string
	tier     StorageTierType
	compress bool
	logger   *zap.Logger
}

// NewDirMainStorage returns the main tier rooted at dir.
func NewDirMainStorage(dir string, logger *zap.Logger) (*DirStorage, error) {
	return newDirStorage(dir, MainTier, false, logger)
}

// NewDirArchiveStorage returns the archive tier rooted at dir.
func NewDirArchiveStorage(dir string, logger *zap.Logger) (*DirStorage, error) {
	return newDirStorage(dir, ArchiveTier, true, logger)
}

func newDirStorage(dir string, tier StorageTierType, compress bool, logger *zap.Logger) (*DirStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("%s storage: directory is unset", tier)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create %s storage directory %s: %w", tier, dir, err)
	}
	return &DirStorage{
		root:     dir,
		tier:     tier,
		compress: compress,
		logger:   logger.Named(string(tier) + "_storage"),
	}, nil
}

// Tier implements Backend.
func (s *DirStorage) Tier() StorageTierType { return s.tier }

func (s *DirStorage) path(location string) (string, error) {
	clean := path.Clean("/" + location)
	if clean == "/" || strings.Contains(location, "\\") {
		return "", fmt.Errorf("%q: %w", location, ErrInvalidLocation)
	}
	p := filepath.Join(s.root, filepath.FromSlash(clean[1:]))
	if s.compress {
		p += archiveSuffix
	}
	return p, nil
}

// Exists implements Backend. For the main tier a location may name a
// directory (a whole dataset).
func (s *DirStorage) Exists(_ context.Context, location string) (bool, error) {
	p, err := s.path(location)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", location, err)
}

// Get implements Backend.
func (s *DirStorage) Get(_ context.Context, location string) (io.ReadCloser, error) {
	p, err := s.path(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s %s: %w", s.tier, location, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	if !s.compress {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd reader for %s: %w", location, err)
	}
	return &decodedFile{ReadCloser: dec.IOReadCloser(), f: f}, nil
}

type decodedFile struct {
	io.ReadCloser
	f *os.File
}

func (d *decodedFile) Close() error {
	d.ReadCloser.Close()
	return d.f.Close()
}

// Put implements Backend. The content is written to a temporary file and
// renamed into place so readers never observe a partial object.
func (s *DirStorage) Put(ctx context.Context, location string, r io.Reader) (int64, error) {
	p, err := s.path(location)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return 0, fmt.Errorf("mkdir for %s: %w", location, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", location, err)
	}
	defer os.Remove(tmp.Name())

	n, err := s.write(ctx, tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s to %s tier: %w", location, s.tier, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return n, fmt.Errorf("rename into %s: %w", location, err)
	}
	return n, nil
}

func (s *DirStorage) write(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	r = &ctxReader{ctx: ctx, r: r}
	if !s.compress {
		return io.Copy(w, r)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, r)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Delete implements Backend. Directories are removed recursively.
func (s *DirStorage) Delete(_ context.Context, location string) error {
	p, err := s.path(location)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", s.tier, location, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", location, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s from %s tier: %w", location, s.tier, err)
	}
	s.logger.Debug("Deleted", zap.String("location", location))
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
