package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem types on which flock and rename-over are not reliable. The
// macOS FUSE types cover sshfs and bucket mounts. Linux FUSE is not listed:
// its magic number is shared with fuse-overlayfs container roots.
var remoteFilesystems = map[string]struct{}{
	"afpfs":   {},
	"cifs":    {},
	"macfuse": {},
	"nfs":     {},
	"osxfuse": {},
	"smb2":    {},
	"smbfs":   {},
	"webdav":  {},
}

type fsDetector func(path string) (string, error)

// ValidateLocalFilesystem checks that path, or the closest ancestor that
// exists, lives on local disk. setting is the config key reported in the
// error. The state database and the workspace root both need local locking,
// and the last-used marker relies on an atomic rename.
func ValidateLocalFilesystem(path, setting string) error {
	return checkLocal(path, setting, detectFilesystemType)
}

func checkLocal(path, setting string, detect fsDetector) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s is empty", setting)
	}

	probe, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("%s %q: %w", setting, path, err)
	}

	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("%s: filesystem of %q: %w", setting, probe, err)
	}
	if isRemoteFilesystem(fsType) {
		return fmt.Errorf("%s %q is on %s, which is not a local filesystem; move it to local disk", setting, path, fsType)
	}
	return nil
}

// closestExisting walks up from path until it finds something that exists.
func closestExisting(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor")
		}
		dir = parent
	}
}

// isRemoteFilesystem matches the type name up to the first dot, so a
// subtyped name such as "macfuse.sshfs" counts as macfuse.
func isRemoteFilesystem(fsType string) bool {
	name := strings.ToLower(strings.TrimSpace(fsType))
	if base, _, ok := strings.Cut(name, "."); ok {
		name = base
	}
	_, remote := remoteFilesystems[name]
	return remote
}
