//go:build !darwin && !linux

package storage

// detectFilesystemType cannot inspect mounts here; only paths on known
// network filesystems are rejected, so report an opaque type.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
