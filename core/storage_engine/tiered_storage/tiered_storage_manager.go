package tiered_storage

import (
	"fmt"

	"go.uber.org/zap"
)

// TieredStorageManager owns the storage tiers of a deployment. A deployment
// without an archive directory is single-tier.
type TieredStorageManager struct {
	main    Backend
	archive Backend // nil for single-tier deployments

	logger *zap.Logger
}

// NewTieredStorageManager opens the main tier at mainDir and, when archiveDir
// is non-empty, the archive tier.
func NewTieredStorageManager(mainDir, archiveDir string, logger *zap.Logger) (*TieredStorageManager, error) {
	logger = logger.Named("tiered_storage_manager")

	main, err := NewDirMainStorage(mainDir, logger)
	if err != nil {
		return nil, err
	}
	tsm := &TieredStorageManager{main: main, logger: logger}
	if archiveDir == "" {
		logger.Info("No archive configured, running single-tier", zap.String("mainDir", mainDir))
		return tsm, nil
	}
	if archiveDir == mainDir {
		return nil, fmt.Errorf("archive directory must differ from main directory %s", mainDir)
	}
	archive, err := NewDirArchiveStorage(archiveDir, logger)
	if err != nil {
		return nil, err
	}
	tsm.archive = archive
	logger.Info("Storage tiers opened", zap.String("mainDir", mainDir), zap.String("archiveDir", archiveDir))
	return tsm, nil
}

// NewTieredStorage wraps existing backends; archive may be nil.
func NewTieredStorage(main, archive Backend, logger *zap.Logger) *TieredStorageManager {
	return &TieredStorageManager{main: main, archive: archive, logger: logger.Named("tiered_storage_manager")}
}

// Main returns the main tier.
func (tsm *TieredStorageManager) Main() Backend { return tsm.main }

// Archive returns the archive tier, or nil for single-tier deployments.
func (tsm *TieredStorageManager) Archive() Backend { return tsm.archive }

// HasArchive reports whether an archive tier is configured.
func (tsm *TieredStorageManager) HasArchive() bool { return tsm.archive != nil }
