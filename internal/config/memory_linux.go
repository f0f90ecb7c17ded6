//go:build linux

package config

import "syscall"

// getAvailableMemoryMB returns total physical memory in MB.
func getAvailableMemoryMB() int64 {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 4096
	}
	return int64(uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024))
}
