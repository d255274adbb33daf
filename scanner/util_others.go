//go:build unix && !linux

package scanner

import (
	"io/fs"
	"syscall"
)

// Stat_t.Dev is int32 on darwin and uint64 on the BSDs.
func statDevice(info fs.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}
