//go:build unix

package handlers

import (
	"os"
	"syscall"
)

// fileOwnerUID and fileOwnerGID pull the numeric owner out of the
// platform-specific stat structure Go's os.FileInfo wraps; the guest
// this runs on is always a Linux VM, but the split keeps the package
// buildable on a non-Unix host during development.
func fileOwnerUID(info os.FileInfo) int {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid)
	}
	return -1
}

func fileOwnerGID(info os.FileInfo) int {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Gid)
	}
	return -1
}
