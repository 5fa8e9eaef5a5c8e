package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquire_WritesOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %s", lock.Path())
	}
	owner := ReadOwner(lock.Path())
	if owner.PID != os.Getpid() || !owner.Running {
		t.Errorf("owner = %+v, want this process", owner)
	}
	if owner.Started.IsZero() {
		t.Error("start time not recorded")
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("owner PID = %d, want %d", lockErr.Owner.PID, os.Getpid())
	}
	if !strings.Contains(err.Error(), "another absensibot instance") || !strings.Contains(err.Error(), dir) {
		t.Errorf("unhelpful error: %s", err)
	}

	// The failed attempt must not clobber the owner info.
	if ReadOwner(first.Path()).PID != os.Getpid() {
		t.Error("lock file contents changed by failed Acquire")
	}
}

func TestRelease_RemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquire_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseOwner(t *testing.T) {
	started := time.Date(2025, 7, 14, 7, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Owner
	}{
		{"full", "pid=12345\nstarted=2025-07-14T07:00:00Z\n", Owner{PID: 12345, Started: started}},
		{"pid only", "pid=67890\n", Owner{PID: 67890}},
		{"garbage", "hello", Owner{}},
		{"empty", "", Owner{}},
		{"bad pid", "pid=abc\n", Owner{}},
		{"negative pid", "pid=-4\n", Owner{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwner(tt.content)
			if got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseOwner(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestOwnerString(t *testing.T) {
	if s := (Owner{}).String(); s != "unknown process" {
		t.Errorf("zero owner = %q", s)
	}
	if s := (Owner{PID: 7}).String(); !strings.Contains(s, "stale") {
		t.Errorf("stale owner = %q", s)
	}
	if s := (Owner{PID: 7, Running: true}).String(); !strings.Contains(s, "running") {
		t.Errorf("running owner = %q", s)
	}
}
