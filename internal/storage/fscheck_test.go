package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubStatfs replaces filesystem detection for one test and records the
// path it was asked about.
func stubStatfs(t *testing.T, fsType string, err error) *string {
	t.Helper()
	var inspected string
	orig := statfsType
	statfsType = func(path string) (string, error) {
		inspected = path
		return fsType, err
	}
	t.Cleanup(func() { statfsType = orig })
	return &inspected
}

func TestCheckLocalDiskAcceptsLocalFilesystem(t *testing.T) {
	stubStatfs(t, "0xef53", nil)
	if err := CheckLocalDisk("state database", filepath.Join(t.TempDir(), "state.db")); err != nil {
		t.Fatalf("ext4 state database rejected: %v", err)
	}
}

func TestCheckLocalDiskRejectsNetworkFilesystem(t *testing.T) {
	stubStatfs(t, "nfs", nil)
	dbPath := filepath.Join(t.TempDir(), "bridge.db")

	err := CheckLocalDisk("bridge database", dbPath)
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
	}
	var fsErr *FilesystemError
	if !errors.As(err, &fsErr) {
		t.Fatalf("expected *FilesystemError, got %T", err)
	}
	if fsErr.Owner != "bridge database" || fsErr.Path != dbPath || fsErr.FSType != "nfs" {
		t.Fatalf("unexpected error fields: %+v", fsErr)
	}
	if !strings.Contains(err.Error(), "move it to local disk") {
		t.Fatalf("error should say how to fix it: %q", err)
	}
}

func TestCheckLocalDiskInspectsNearestAncestor(t *testing.T) {
	inspected := stubStatfs(t, "apfs", nil)
	root := t.TempDir()

	if err := CheckLocalDisk("state database", filepath.Join(root, "data", "smsbridge", "state.db")); err != nil {
		t.Fatalf("CheckLocalDisk: %v", err)
	}
	if *inspected != root {
		t.Fatalf("inspected %q, want first existing ancestor %q", *inspected, root)
	}
}

func TestCheckLocalDiskPassesWhenDetectionUnsupported(t *testing.T) {
	stubStatfs(t, "", errStatfsUnsupported)
	if err := CheckLocalDisk("state database", filepath.Join(t.TempDir(), "state.db")); err != nil {
		t.Fatalf("unsupported platform should pass, got %v", err)
	}
}

func TestCheckLocalDiskReportsDetectionFailure(t *testing.T) {
	stubStatfs(t, "", os.ErrPermission)
	err := CheckLocalDisk("state database", filepath.Join(t.TempDir(), "state.db"))
	if !errors.Is(err, os.ErrPermission) || errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected wrapped permission error, got %v", err)
	}
}

func TestCheckLocalDiskEmptyPath(t *testing.T) {
	if err := CheckLocalDisk("bridge database", ""); err == nil || !strings.Contains(err.Error(), "bridge database path is empty") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenSQLiteRefusesNetworkFilesystem(t *testing.T) {
	stubStatfs(t, "cifs", nil)
	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" ceph ": true,
		"9p":     true,
		"apfs":   false,
		"0xef53": false,
		"0x6969": false,
	}
	for fsType, want := range cases {
		if got := isNetworkFilesystem(fsType); got != want {
			t.Errorf("isNetworkFilesystem(%q) = %v, want %v", fsType, got, want)
		}
	}
}
