// Package procfs reads per-process metadata out of /proc, generalizing
// process.GetProcessInfo/CollectProcMetadata into the race-free
// primitives the Hasher Pool and Monitor need: an open file descriptor's
// (device, inode) pair taken at the same instant as its path, rather than
// two separate syscalls that can straddle an exec.
package procfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/snitchd/snitchd/types"
)

var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

// OpenExe opens /proc/<pid>/exe and returns both the resolved path and the
// (device, inode) pair of the file the descriptor actually points at. The
// caller owns the returned *os.File and must Close it; holding it open keeps
// the inode alive for the duration of a hash, which is what makes
// ExeReplaced detectable rather than silently missed.
func OpenExe(pid uint32) (*os.File, string, types.ExeId, error) {
	path := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, "", types.ExeId{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, "", types.ExeId{}, err
	}
	resolved, err := os.Readlink(path)
	if err != nil {
		f.Close()
		return nil, "", types.ExeId{}, err
	}
	id, err := statExeId(fi)
	if err != nil {
		f.Close()
		return nil, "", types.ExeId{}, err
	}
	return f, resolved, id, nil
}

// StatExeId stats /proc/<pid>/exe without opening it, for callers (the Exe
// Cache tamper fallback) that only need to detect change, not read bytes.
func StatExeId(pid uint32) (types.ExeId, error) {
	fi, err := os.Stat(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return types.ExeId{}, err
	}
	return statExeId(fi)
}

// StatPath stats an on-disk executable path directly, for the Tamper
// Watcher's re-stat fallback once it no longer has a live pid to go through
// /proc for.
func StatPath(path string) (types.ExeId, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return types.ExeId{}, err
	}
	return statExeId(fi)
}

// CmdLine reads and NUL-joins /proc/<pid>/cmdline into a space-separated
// string.
func CmdLine(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	parts := bytes.Split(data, []byte{0})
	var args []string
	for _, p := range parts {
		if len(p) > 0 {
			args = append(args, string(p))
		}
	}
	return strings.Join(args, " "), nil
}

// Cwd resolves /proc/<pid>/cwd.
func Cwd(pid uint32) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}

// ParentPid reads the ppid field (the 4th field of /proc/<pid>/stat, i.e. the
// 2nd whitespace-delimited field after the "(comm)" parenthesized group,
// which itself may contain spaces).
func ParentPid(pid uint32) (uint32, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[close+2:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(ppid), nil
}

// ContainerID best-effort extracts a docker/containerd container ID from
// /proc/<pid>/cgroup.
func ContainerID(pid uint32) string {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			if containerIDRegex.MatchString(parts[i]) {
				return parts[i]
			}
		}
	}
	return ""
}

// Exists reports whether /proc/<pid> is still present.
func Exists(pid uint32) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Comm reads the short process name from /proc/<pid>/comm.
func Comm(pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
