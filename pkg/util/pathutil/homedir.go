package pathutil

import (
	"io/ioutil"
	"os"
	"path"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// HomeDir obtains the path to the user's home directory.
func HomeDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Warn("Failed to resolve home directory")
		return os.Getenv("HOME")
	}
	return dir
}

// MoosDir returns the per-user directory holding configuration and
// snapshots, ~/.moos.
func MoosDir() string {
	return filepath.Join(HomeDir(), ".moos")
}

// Expand expands a leading ~ in p to the home directory.
func Expand(p string) (string, error) {
	return homedir.Expand(p)
}

// EnsureDir creates the directory if it does not exist and returns its
// absolute path.
func EnsureDir(dir string) (string, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrap(err, "failed to expand path")
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(absPath, 0750); err != nil {
			return "", errors.Wrap(err, "failed to create dir")
		}
	}
	return absPath, nil
}

// AtomicWriteFile creates a temp file in which to write data, then renames it
// over filename for an atomic write. On failure the temp file is removed.
func AtomicWriteFile(filename string, data []byte) error {
	dir, name := path.Split(filename)
	if dir == "" {
		dir = "."
	}
	f, err := ioutil.TempFile(dir, name)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if permErr := os.Chmod(f.Name(), 0600); err == nil {
		err = permErr
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}

	if err != nil {
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove file %s", f.Name())
		}
		return err
	}
	return nil
}
