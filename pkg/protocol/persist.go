package protocol

import (
	"os"
	"path/filepath"
)

// Persist writes a received payload to dir under the base name of name,
// replacing any file already there, and returns the path written.
func Persist(dir, name string, payload []byte) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", ioError(PhasePersist, -1, ErrPersistFailed, os.ErrInvalid)
	}
	path := filepath.Join(dir, base)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", ioError(PhasePersist, -1, ErrPersistFailed, err)
	}
	return path, nil
}
