package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem matches every *FilesystemError via errors.Is.
var ErrNetworkFilesystem = errors.New("database on network filesystem")

var errStatfsUnsupported = errors.New("filesystem type detection unsupported on this platform")

// Filesystem type names that cannot give SQLite reliable file locks.
var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// FilesystemError reports a SQLite file placed on a network filesystem.
type FilesystemError struct {
	// Owner names the database: the host's state database or the bridge's own.
	Owner  string
	Path   string
	FSType string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %s; SQLite needs local file locking, move it to local disk",
		e.Owner, e.Path, e.FSType)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

// statfsType names the filesystem holding an existing path.
var statfsType = filesystemType

// CheckLocalDisk fails when the SQLite file at path, or its nearest existing
// ancestor while the file does not exist yet, is on a network filesystem.
// Platforms without filesystem detection always pass.
func CheckLocalDisk(owner, path string) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", owner)
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve %s path: %w", owner, err)
	}

	fsType, err := statfsType(existing)
	if errors.Is(err, errStatfsUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect filesystem of %s: %w", owner, err)
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Owner: owner, Path: path, FSType: fsType}
	}
	return nil
}

// nearestExisting walks up from path to the first entry that exists.
func nearestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		p = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
