//go:build linux

package procfs

import (
	"fmt"
	"os"
	"syscall"

	"github.com/snitchd/snitchd/types"
)

func statExeId(fi os.FileInfo) (types.ExeId, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return types.ExeId{}, fmt.Errorf("unexpected stat type %T", fi.Sys())
	}
	return types.ExeId{Device: uint64(st.Dev), Inode: st.Ino}, nil
}
