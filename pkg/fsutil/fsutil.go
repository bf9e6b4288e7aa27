// Package fsutil writes files and directories with an optional owner.
package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Owner is the UID and GID given to created paths.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID". An empty string yields a nil Owner.
func ParseOwner(s string) (*Owner, error) {
	if s == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", s)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown hands path to owner. A nil owner is a no-op. Errors are ignored.
func Chown(path string, owner *Owner) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates dir and its parents and chowns dir.
func MkdirAll(dir string, perm os.FileMode, owner *Owner) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}

	Chown(dir, owner)

	return nil
}

// WriteFile writes data to path and chowns it.
func WriteFile(path string, data []byte, perm os.FileMode, owner *Owner) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}
