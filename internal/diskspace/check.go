// Package diskspace runs the pre-flight free space check before a transfer starts.
package diskspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

var ErrInsufficientSpace = errors.New("insufficient disk space")

// DefaultMargin is kept free on top of the declared size.
const DefaultMargin int64 = 100 << 20

// Check fails with ErrInsufficientSpace when the volume holding dir cannot
// fit required+margin bytes. Unknown sizes (required <= 0) always pass.
func Check(dir string, required, margin int64) error {
	if required <= 0 {
		return nil
	}
	if margin < 0 {
		margin = 0
	}
	avail, err := Available(existingAncestor(dir))
	if err != nil {
		return fmt.Errorf("stat volume for %s: %w", dir, err)
	}
	need := uint64(required + margin)
	if avail < need {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace,
			humanize.IBytes(need), humanize.IBytes(avail))
	}
	return nil
}

// existingAncestor walks up until it finds a directory that exists, so the
// check works before the destination directory is created.
func existingAncestor(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
