// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/zimustudio/zimu/internal/fsutil"
)

// AcquireLease takes the cross-process exclusive lease for a job via
// O_CREAT|O_EXCL. The pid is written for diagnostics only; ownership is
// encoded purely by the file's existence. Returns false when another holder
// has the lease.
func (l Layout) AcquireLease(jobID string) (bool, error) {
	f, err := os.OpenFile(l.LockPath(jobID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()
	return true, nil
}

// ReleaseLease drops the lease by unlinking the lock file. A stale lease left
// by a crashed holder is reclaimed by the heartbeat watchdog, not here.
func (l Layout) ReleaseLease(jobID string) {
	fsutil.SafeUnlink(l.LockPath(jobID))
}
