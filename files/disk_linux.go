package files

import "syscall"

// statDisk reads the filesystem holding dir. Free counts only blocks usable
// by unprivileged writers, so Used+Free may be below Total.
func statDisk(dir string) DiskUsage {
	var st syscall.Statfs_t
	if syscall.Statfs(dir, &st) != nil {
		return DiskUsage{}
	}
	bs := uint64(st.Bsize)
	return DiskUsage{
		Total: st.Blocks * bs,
		Used:  (st.Blocks - st.Bfree) * bs,
		Free:  st.Bavail * bs,
	}
}
