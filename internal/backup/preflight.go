package backup

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrInsufficientDisk indicates the backup directory's filesystem does not
// have the configured free-space headroom for a new run.
var ErrInsufficientDisk = errors.New("insufficient disk space")

// CheckDiskSpace verifies the filesystem holding path has at least
// minFreeBytes available. A zero minimum disables the check.
func CheckDiskSpace(path string, minFreeBytes uint64) error {
	if minFreeBytes == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("stat disk usage: %w", err)
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientDisk, usage.Free, minFreeBytes)
	}
	return nil
}
