// Package blob selects the dead-letter archive backend. It is the only package
// allowed to import the infra blob implementations.
package blob

import (
	"context"
	"fmt"

	"garagecore/internal/blob/core"
	"garagecore/internal/config"
	fsstore "garagecore/internal/infra/blob/fs"
	memstore "garagecore/internal/infra/blob/memory"
	s3store "garagecore/internal/infra/blob/s3"
)

// Archive aliases the archive contract for callers outside the blob tree.
type Archive = core.Archive

// Open builds the archive configured by cfg. Driver "none" yields a nil
// Archive and no error.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch core.Driver(cfg.Driver) {
	case "", "none":
		return nil, nil
	case core.DriverMemory:
		return memstore.New(), nil
	case core.DriverFilesystem:
		store, err := fsstore.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}
