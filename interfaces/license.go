package interfaces

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carbocation/mriflow"
)

// ErrMissingLicense is returned when a tool's license file cannot be found.
var ErrMissingLicense = errors.New("missing license file")

// RequireLicense checks that the license file at path exists.
func RequireLicense(path string) error {
	if path == "" {
		return fmt.Errorf("no path given: %w", ErrMissingLicense)
	}

	expanded, err := mriflow.ExpandHome(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(expanded)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%s: %w", expanded, ErrMissingLicense)
	}

	return nil
}

// FreeSurferLicense locates the FreeSurfer license: the configured path
// first, then $FS_LICENSE, then $FREESURFER_HOME/license.txt.
func FreeSurferLicense(configured string) (string, error) {
	candidates := []string{configured, os.Getenv("FS_LICENSE")}
	if home := os.Getenv("FREESURFER_HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, "license.txt"))
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := RequireLicense(candidate); err == nil {
			return mriflow.ExpandHome(candidate)
		}
	}

	return "", fmt.Errorf("FreeSurfer license (set freesurfer_license, FS_LICENSE or FREESURFER_HOME): %w", ErrMissingLicense)
}
