package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("index: begin: %w", ErrLockTimeout)) {
		t.Error("wrapped lock timeout should be retryable")
	}
	if !IsRetryable(ErrUnavailable) {
		t.Error("vcs failure should be retryable")
	}
	if IsRetryable(ErrCorrupt) {
		t.Error("corruption is not retryable")
	}
}

func TestNeedsRebuild(t *testing.T) {
	if !NeedsRebuild(fmt.Errorf("x: %w", ErrStaleSchema)) {
		t.Error("schema mismatch should need rebuild")
	}
	if NeedsRebuild(ErrNotFound) {
		t.Error("not found should not need rebuild")
	}
}

func TestFindingsErr(t *testing.T) {
	var fs Findings
	if fs.Err() != nil {
		t.Fatal("empty findings should fold to nil")
	}
	fs = append(fs,
		Finding{Kind: FindingSelfLink, Path: "a.md", Line: 3, Message: "links to itself", Remedy: "remove the link"},
		Finding{Kind: FindingParse, Path: "b.md", Message: "bad yaml"},
	)
	err := fs.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "a.md:3: links to itself (remove the link)") {
		t.Errorf("message = %q", msg)
	}
	var f Finding
	if !errors.As(err, &f) {
		t.Error("errors.As should find a Finding")
	}
	if got := len(fs.Of(FindingParse)); got != 1 {
		t.Errorf("Of(parse) = %d, want 1", got)
	}
}
