package diskspace

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	if err := Check(dir, 0, DefaultMargin); err != nil {
		t.Fatalf("unknown size should pass: %v", err)
	}
	if err := Check(dir, 1, 0); err != nil {
		t.Fatalf("one byte should fit: %v", err)
	}
	err := Check(dir, 1<<60, 0)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("Check huge = %v, want ErrInsufficientSpace", err)
	}
}

func TestCheckMissingDirectoryUsesAncestor(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not", "yet", "created")
	if got := existingAncestor(dir); got == dir {
		t.Fatalf("existingAncestor returned the missing dir")
	}
	if err := Check(dir, 1, 0); err != nil {
		t.Fatalf("Check on missing dir: %v", err)
	}
}
