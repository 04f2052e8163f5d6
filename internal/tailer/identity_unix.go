//go:build unix

package tailer

import "syscall"

func platformIdentity(sys any) FileIdentity {
	if stat, ok := sys.(*syscall.Stat_t); ok {
		return InodeIdentity(uint64(stat.Ino))
	}
	return FileIdentity{}
}
