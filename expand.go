package mriflow

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
)

// ExpandHome expands ~ to its proper path, where appropriate.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		usr, err := user.Current()
		if err != nil {
			return path, pfx.Err(err)
		}
		path = filepath.Join(usr.HomeDir, strings.TrimPrefix(path[1:], "/"))
	}

	return path, nil
}

// IsGoogleStorage reports whether the path points at a gs:// object or
// prefix.
func IsGoogleStorage(path string) bool {
	return strings.HasPrefix(path, "gs://")
}

// SplitGoogleStoragePath turns gs://bucket/some/object into its bucket and
// object name. The object may be empty when only a bucket is given.
func SplitGoogleStoragePath(path string) (bucket, object string, err error) {
	if !IsGoogleStorage(path) {
		return "", "", pfx.Err(fmt.Errorf("%s is not a gs:// path", path))
	}

	parts := strings.SplitN(strings.TrimPrefix(path, "gs://"), "/", 2)
	if parts[0] == "" {
		return "", "", pfx.Err(fmt.Errorf("%s has no bucket", path))
	}
	if len(parts) == 1 {
		return parts[0], "", nil
	}

	return parts[0], parts[1], nil
}
