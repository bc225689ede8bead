//go:build unix

package gpu

import "golang.org/x/sys/unix"

// IsPrivileged reports whether the process runs with an effective uid of 0.
func IsPrivileged() bool {
	return unix.Geteuid() == 0
}
