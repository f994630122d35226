package file

import (
	"os"
	"time"
)

// ModifiedSince reports whether path changed after since. A zero since is always true.
func ModifiedSince(path string, since time.Time) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if since.IsZero() {
		return true, nil
	}
	return info.ModTime().After(since), nil
}
