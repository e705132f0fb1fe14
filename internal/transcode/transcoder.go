package transcode

import (
	"context"

	"github.com/pbxvault/pbxvault/internal/models"
)

// Transcoder compresses a buffered media payload before upload. It is an
// external collaborator: implementations may resize images or re-encode
// audio and video. A failing transcoder must never abort a sync; callers
// fall back to uploading the original and marking it not-compressed.
type Transcoder interface {
	// Compress returns the transformed payload and whether a transform was
	// actually applied.
	Compress(ctx context.Context, category models.MediaCategory, name string, data []byte) ([]byte, bool, error)
}

// Passthrough uploads originals untouched. The production deployment swaps
// in a real encoder behind the same interface.
type Passthrough struct{}

func (Passthrough) Compress(_ context.Context, _ models.MediaCategory, _ string, data []byte) ([]byte, bool, error) {
	return data, false, nil
}
