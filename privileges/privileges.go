// Package privileges drops the daemon's root privileges once the kernel
// probe and other privileged setup is complete, adapted from the
// repository-root privileges.go this package replaces.
package privileges

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// OriginalUser looks up the user who invoked sudo, needed because after
// Drop() runs os/user.Current() would otherwise report the target user, not
// the root session that started the daemon.
func OriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER not set")
	}
	return user.Lookup(sudoUser)
}

// Drop drops root privileges to the user named by SUDO_USER. Capture setup
// (attaching eBPF programs, raising RLIMIT_NOFILE) must happen before
// calling Drop; everything after runs unprivileged.
func Drop() error {
	u, err := OriginalUser()
	if err != nil {
		return fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %w", err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %w", err)
	}
	return nil
}
