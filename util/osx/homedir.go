package osx

import (
	"os"
	"path/filepath"
)

// UserCacheDir returns the cache directory of the given application,
// it falls back to the temp dir if the user cache dir is not found.
func UserCacheDir(app string) string {
	cd, err := os.UserCacheDir()
	if err != nil {
		cd = os.TempDir()
	}
	return filepath.Join(cd, app)
}
