//go:build !linux

package procfs

import (
	"fmt"
	"os"

	"github.com/snitchd/snitchd/types"
)

func statExeId(fi os.FileInfo) (types.ExeId, error) {
	return types.ExeId{}, fmt.Errorf("procfs: unsupported platform")
}
