package upload

import (
	"context"

	"github.com/ethpandaops/wavekeeper/pkg/results"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "wave/sessions"

// Uploader uploads session result directories to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in sessionDir. The directory basename, the
	// session token, is used as a sub-prefix under the configured prefix.
	Upload(ctx context.Context, sessionDir string) error
}

// CompletionHook uploads a session directory once the session completed.
func CompletionHook(u Uploader) results.CompletionHook {
	return func(ctx context.Context, _ string, dir string) error {
		return u.Upload(ctx, dir)
	}
}
