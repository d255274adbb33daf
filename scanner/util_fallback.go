//go:build !unix

package scanner

import "io/fs"

// TODO: use GetFileInformationByHandle volume serial numbers so SameDevice
// works on Windows.
func statDevice(fs.FileInfo) (uint64, bool) {
	return 0, false
}
