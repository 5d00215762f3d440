package procfs

import (
	"os"
	"testing"

	"github.com/snitchd/snitchd/types"
)

func TestOpenExeSelf(t *testing.T) {
	pid := uint32(os.Getpid())
	f, path, id, err := OpenExe(pid)
	if err != nil {
		t.Fatalf("OpenExe: %v", err)
	}
	defer f.Close()
	if path == "" {
		t.Fatal("resolved path is empty")
	}
	if id == (types.ExeId{}) {
		t.Fatal("ExeId is zero value")
	}

	statID, err := StatExeId(pid)
	if err != nil {
		t.Fatalf("StatExeId: %v", err)
	}
	if statID != id {
		t.Fatalf("StatExeId %v != OpenExe id %v", statID, id)
	}

	pathID, err := StatPath(path)
	if err != nil {
		t.Fatalf("StatPath: %v", err)
	}
	if pathID != id {
		t.Fatalf("StatPath %v != OpenExe id %v", pathID, id)
	}
}

func TestCmdLineSelf(t *testing.T) {
	cmd, err := CmdLine(uint32(os.Getpid()))
	if err != nil {
		t.Fatalf("CmdLine: %v", err)
	}
	if cmd == "" {
		t.Fatal("expected non-empty cmdline for the test process")
	}
}

func TestExistsAndComm(t *testing.T) {
	pid := uint32(os.Getpid())
	if !Exists(pid) {
		t.Fatal("Exists should be true for the running test process")
	}
	if Exists(1 << 30) {
		t.Fatal("Exists should be false for an implausible pid")
	}
	if Comm(pid) == "" {
		t.Fatal("Comm should be non-empty for the running test process")
	}
}

func TestParentPid(t *testing.T) {
	ppid, err := ParentPid(uint32(os.Getpid()))
	if err != nil {
		t.Fatalf("ParentPid: %v", err)
	}
	if ppid == 0 {
		t.Fatal("expected a non-zero parent pid for a test process")
	}
}

func TestCwdSelf(t *testing.T) {
	cwd, err := Cwd(uint32(os.Getpid()))
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if cwd == "" {
		t.Fatal("expected a non-empty cwd for the running test process")
	}
}

func TestContainerIDEmptyOutsideAContainer(t *testing.T) {
	// The test process's own cgroup membership has no docker/containerd
	// segment unless the test itself runs inside one; either way the
	// function must never error, only return best-effort empty string.
	_ = ContainerID(uint32(os.Getpid()))
}

func TestContainerIDRegexAcceptsAndRejects(t *testing.T) {
	valid := []string{
		"abcdef012345",
		"abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567",
	}
	for _, id := range valid {
		if !containerIDRegex.MatchString(id) {
			t.Fatalf("expected %q to match the container id pattern", id)
		}
	}
	invalid := []string{
		"",
		"short",
		"not-hex-chars-zzzzz",
		"ABCDEF012345", // uppercase not accepted
	}
	for _, id := range invalid {
		if containerIDRegex.MatchString(id) {
			t.Fatalf("expected %q not to match the container id pattern", id)
		}
	}
}
