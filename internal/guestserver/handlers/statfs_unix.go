//go:build unix

package handlers

import "golang.org/x/sys/unix"

// statfsUsagePercent reports the used-space percentage of the filesystem
// mounted at path, using the same statfs syscall df relies on.
func statfsUsagePercent(path string) (float64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	if st.Blocks == 0 {
		return 0, false
	}
	used := st.Blocks - st.Bfree
	return float64(used) / float64(st.Blocks) * 100, true
}
