//go:build !linux && !darwin

package config

// getAvailableMemoryMB assumes 4 GB where memory cannot be queried.
func getAvailableMemoryMB() int64 {
	return 4096
}
