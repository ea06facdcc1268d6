// Package file includes filesystem helpers shared by coordinator services:
// safe directory creation, path expansion, and artifact hashing.
package file

import (
	"encoding/hex"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Byte permissions for known-private directories and files.
const (
	dirPerms  = os.FileMode(0700)
	filePerms = os.FileMode(0600)
)

// ExpandPath given a string which may be a relative path,
// 1. replace tilde with users home dir
// 2. expands embedded environment variables
// 3. cleans the path, e.g. /a/b/../c -> /a/c
func ExpandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		u, err := user.Current()
		if err != nil {
			return "", errors.Wrap(err, "could not resolve home directory")
		}
		if u.HomeDir != "" {
			p = u.HomeDir + p[1:]
		}
	}
	return filepath.Abs(filepath.Clean(os.ExpandEnv(p)))
}

// MkdirAll takes in a path, expands it if necessary, and creates the
// directory accordingly with standardized, private permissions.
func MkdirAll(dirPath string) error {
	expanded, err := ExpandPath(dirPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(expanded)
	if err == nil {
		if !info.IsDir() {
			return errors.Errorf("path %s exists and is not a directory", expanded)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(expanded, dirPerms)
}

// HandleBackupDir ensures the backups directory exists and, unless the
// permission override is set, that it is private to the current user.
func HandleBackupDir(dirPath string, permissionOverride bool) error {
	expanded, err := ExpandPath(dirPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(expanded)
	if os.IsNotExist(err) {
		return os.MkdirAll(expanded, dirPerms)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Errorf("backup path %s is not a directory", expanded)
	}
	if info.Mode().Perm() != dirPerms && !permissionOverride {
		return errors.Errorf("backup directory %s has unsafe permissions %#o", expanded, info.Mode().Perm())
	}
	return nil
}

// Exists reports whether a regular file exists at the given path.
func Exists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// WriteFile writes data to a file with private permissions, creating parent
// directories as needed.
func WriteFile(filename string, data []byte) error {
	if err := MkdirAll(filepath.Dir(filename)); err != nil {
		return err
	}
	return os.WriteFile(filename, data, filePerms)
}

// Blake2bFileHash streams a file through blake2b-512 and returns the hex
// digest. Contribution artifacts are far too large to buffer in memory.
func Blake2bFileHash(filename string) (string, error) {
	f, err := os.Open(filename) // #nosec G304
	if err != nil {
		return "", errors.Wrap(err, "could not open file for hashing")
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Error("Could not close hashed file")
		}
	}()
	h, err := blake2b.New512(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "could not stream file into hash")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
