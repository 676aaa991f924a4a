//go:build !linux

package files

// statDisk reports nothing where statfs is unavailable.
func statDisk(string) DiskUsage { return DiskUsage{} }
