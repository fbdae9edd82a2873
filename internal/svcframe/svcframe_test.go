package svcframe

import (
	"path/filepath"
	"testing"
)

func TestLockPIDReportsUnlockedOnFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	pid, err := lockPID(path)
	if err != nil {
		t.Fatalf("lockPID: %v", err)
	}
	if pid != 0 {
		t.Fatalf("expected unlocked pidfile to report 0, got %d", pid)
	}
}

func TestFrameUsageOnEmptyArgsReturnsNonZero(t *testing.T) {
	f := &Frame{Name: "testd", Version: "0.0.0", PIDFile: filepath.Join(t.TempDir(), "testd.pid")}
	if code := f.Run(nil); code != 1 {
		t.Fatalf("expected usage exit code 1, got %d", code)
	}
}

func TestFrameStatusOnUnlockedPidfile(t *testing.T) {
	f := &Frame{Name: "testd", Version: "0.0.0", PIDFile: filepath.Join(t.TempDir(), "testd.pid")}
	if code := f.status(); code != 0 {
		t.Fatalf("expected status exit code 0 for unlocked pidfile, got %d", code)
	}
}

func TestFrameInstallUninstallAreNoops(t *testing.T) {
	f := &Frame{Name: "testd", Version: "0.0.0", PIDFile: filepath.Join(t.TempDir(), "testd.pid")}
	if code := f.Run([]string{"-install"}); code != 0 {
		t.Fatalf("expected -install no-op to return 0, got %d", code)
	}
	if code := f.Run([]string{"-uninstall"}); code != 0 {
		t.Fatalf("expected -uninstall no-op to return 0, got %d", code)
	}
}
