// SPDX-License-Identifier: MIT

// Package store owns the on-disk artifact layout: five sibling roots under a
// configured data directory, per-job path derivation, the cross-process job
// lease, and terminal purge.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zimustudio/zimu/internal/fsutil"
)

// Layout resolves every artifact path for a data directory.
type Layout struct {
	Root string
}

var safeIDRe = regexp.MustCompile(`^[a-f0-9]{32}$`)

// IsSafeJobID reports whether id is a well-formed job identifier. Paths are
// derived from ids, so anything else is rejected before touching the disk.
func IsSafeJobID(id string) bool {
	return safeIDRe.MatchString(id)
}

// NewLayout returns a layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

func (l Layout) UploadsRoot() string { return filepath.Join(l.Root, "uploads") }
func (l Layout) TmpRoot() string     { return filepath.Join(l.Root, "tmp") }
func (l Layout) OutputsRoot() string { return filepath.Join(l.Root, "outputs") }
func (l Layout) MetaRoot() string    { return filepath.Join(l.Root, "meta") }
func (l Layout) LocksRoot() string   { return filepath.Join(l.Root, "locks") }

// EnsureDirs creates the five sibling roots.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.UploadsRoot(), l.TmpRoot(), l.OutputsRoot(), l.MetaRoot(), l.LocksRoot(),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// UploadDir is where the original upload for a job lives.
func (l Layout) UploadDir(jobID string) string {
	return filepath.Join(l.UploadsRoot(), jobID)
}

// TmpDir holds per-job intermediate artifacts, deleted on job completion.
func (l Layout) TmpDir(jobID string) string {
	return filepath.Join(l.TmpRoot(), jobID)
}

// NormalizedWAV is the mono/16k/PCM working copy of the input.
func (l Layout) NormalizedWAV(jobID string) string {
	return filepath.Join(l.TmpDir(jobID), "normalized.wav")
}

// SegmentWAV is the cut for one fan-out unit.
func (l Layout) SegmentWAV(jobID string, idx int) string {
	return filepath.Join(l.TmpDir(jobID), "segments", fmt.Sprintf("seg_%05d.wav", idx))
}

// OutputSRT is the final artifact.
func (l Layout) OutputSRT(jobID string) string {
	return filepath.Join(l.OutputsRoot(), jobID+".srt")
}

// MetaPath is the durable job record snapshot.
func (l Layout) MetaPath(jobID string) string {
	return filepath.Join(l.MetaRoot(), jobID+".json")
}

// LockPath is the presence-as-mutex lease file.
func (l Layout) LockPath(jobID string) string {
	return filepath.Join(l.LocksRoot(), jobID+".lock")
}

// Purge removes every artifact belonging to a job: upload dir, tmp dir,
// output SRT, meta snapshot, and lock file.
func (l Layout) Purge(jobID string, securePasses int) {
	fsutil.SafeUnlink(l.LockPath(jobID))
	fsutil.SecureRemoveTree(l.UploadDir(jobID), securePasses)
	fsutil.SecureRemoveTree(l.TmpDir(jobID), securePasses)
	fsutil.SecureDeleteFile(l.OutputSRT(jobID), securePasses)
	fsutil.SafeUnlink(l.MetaPath(jobID))
}
