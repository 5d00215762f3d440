package privileges

import (
	"os/user"
	"testing"
)

func TestOriginalUserErrorsWithoutSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	if _, err := OriginalUser(); err == nil {
		t.Fatal("expected an error when SUDO_USER is unset")
	}
}

func TestOriginalUserLooksUpSudoUser(t *testing.T) {
	self, err := user.Current()
	if err != nil {
		t.Skipf("user.Current unavailable: %v", err)
	}
	t.Setenv("SUDO_USER", self.Username)

	got, err := OriginalUser()
	if err != nil {
		t.Fatalf("OriginalUser: %v", err)
	}
	if got.Uid != self.Uid {
		t.Fatalf("expected uid %s, got %s", self.Uid, got.Uid)
	}
}

func TestOriginalUserErrorsOnUnknownSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "definitely-not-a-real-user-xyz")
	if _, err := OriginalUser(); err == nil {
		t.Fatal("expected an error for a nonexistent SUDO_USER")
	}
}

// Drop() calls syscall.Setuid/Setgid on the current process and cannot be
// exercised by a test without permanently dropping the test runner's own
// privileges (there is no way back to root within the same process). It is
// covered indirectly by OriginalUser's tests above, which exercise the
// lookup Drop depends on.
