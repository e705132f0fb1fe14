package pipeline

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/blob"
	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
	"github.com/pbxvault/pbxvault/internal/source"
	"github.com/pbxvault/pbxvault/internal/transcode"
)

// Uploader moves one remote payload into the blob store and records its
// metadata. Strategy by size: small files are buffered and offered to the
// transcoder, mid-sized files stream straight through, anything above the
// stream ceiling is counted too-large and left on the source.
type Uploader struct {
	store      blob.Store
	transcoder transcode.Transcoder
	media      repository.MediaRepository
	bufferMax  int64
	streamMax  int64
	logger     zerolog.Logger
}

func NewUploader(store blob.Store, transcoder transcode.Transcoder, media repository.MediaRepository, cfg config.SyncConfig, logger zerolog.Logger) *Uploader {
	return &Uploader{
		store:      store,
		transcoder: transcoder,
		media:      media,
		bufferMax:  cfg.BufferMaxBytes,
		streamMax:  cfg.StreamMaxBytes,
		logger:     logger.With().Str("component", "uploader").Logger(),
	}
}

// upload is idempotent: the storage key derives from tenant, category and mod
// time, so a re-run finds the object already present and skips the transfer.
// Store and metadata failures are returned so the caller aborts its page
// before the checkpoint can advance past an unwritten payload; only the
// transcoder is allowed to fail softly.
func (u *Uploader) upload(ctx context.Context, files source.FileClient, tenantID string, category models.MediaCategory, file models.RemoteFile, res *models.EntityResult) error {
	if file.Size > u.streamMax {
		u.logger.Warn().
			Str("tenant_id", tenantID).
			Str("path", file.Path).
			Int64("size", file.Size).
			Msg("payload exceeds stream ceiling, skipping")
		res.TooLarge++
		return nil
	}

	key := blob.Key(tenantID, string(category), file.ModTime, file.Name)

	exists, err := u.store.Exists(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "head %s", key)
	}

	size := file.Size
	compressed := false
	if !exists {
		if file.Size <= u.bufferMax {
			size, compressed, err = u.putBuffered(ctx, files, category, file, key)
		} else {
			err = u.putStreamed(ctx, files, file, key)
		}
		if err != nil {
			return errors.Wrapf(err, "upload %s", file.Path)
		}
	}

	inserted, err := u.media.Upsert(models.MediaItem{
		TenantID:   tenantID,
		Category:   category,
		SourcePath: file.Path,
		StorageKey: key,
		SizeBytes:  size,
		Compressed: compressed,
		ModifiedAt: file.ModTime,
	})
	if err != nil {
		return errors.Wrapf(err, "record %s", file.Path)
	}
	if inserted {
		res.Synced++
	} else {
		res.Skipped++
	}
	return nil
}

func (u *Uploader) putBuffered(ctx context.Context, files source.FileClient, category models.MediaCategory, file models.RemoteFile, key string) (int64, bool, error) {
	data, err := files.Download(file.Path)
	if err != nil {
		return 0, false, err
	}

	out, compressed, err := u.transcoder.Compress(ctx, category, file.Name, data)
	if err != nil {
		// A broken transcoder degrades to storing the original.
		u.logger.Warn().Err(err).
			Str("path", file.Path).
			Msg("transcode failed, uploading original")
		out, compressed = data, false
	}

	if err := u.store.Put(ctx, key, bytes.NewReader(out), int64(len(out))); err != nil {
		return 0, false, err
	}
	return int64(len(out)), compressed, nil
}

func (u *Uploader) putStreamed(ctx context.Context, files source.FileClient, file models.RemoteFile, key string) error {
	r, err := files.Open(file.Path)
	if err != nil {
		return err
	}
	defer r.Close()
	return u.store.Put(ctx, key, r, file.Size)
}
