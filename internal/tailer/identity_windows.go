//go:build windows

package tailer

import "syscall"

// Stat data on windows carries no file index, so the creation time stands in.
// The volume serial is not reachable from a FileInfo and stays zero.
func platformIdentity(sys any) FileIdentity {
	if attrs, ok := sys.(*syscall.Win32FileAttributeData); ok {
		return CompositeIdentity(attrs.CreationTime.Nanoseconds(), 0)
	}
	return FileIdentity{}
}
