// SPDX-License-Identifier: MIT

// Package fsutil provides filesystem primitives shared by the artifact store
// and the metadata layer: atomic durable writes and best-effort secure delete.
package fsutil

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes data to path with full durability guarantees:
// temp file in the same directory, fsync, then atomic rename. A crash at any
// point leaves the previous content intact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(perm))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SafeUnlink removes path, ignoring not-exist and any other error.
func SafeUnlink(path string) {
	_ = os.Remove(path)
}

// maxSecureDeleteSize bounds overwrite passes to files small enough that the
// extra I/O cannot stall the janitor.
const maxSecureDeleteSize = 256 << 20

// SecureDeleteFile unlinks path, optionally overwriting its content first
// with passes alternating random and zero data. Overwriting is best-effort:
// SSDs and CoW filesystems give no physical-erase guarantee, so any failure
// degrades to a plain unlink.
func SecureDeleteFile(path string, passes int) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		SafeUnlink(path)
		return
	}
	size := info.Size()
	if passes > 0 && size > 0 && size <= maxSecureDeleteSize {
		if err := overwriteFile(path, size, passes); err != nil {
			SafeUnlink(path)
			return
		}
	}
	SafeUnlink(path)
}

func overwriteFile(path string, size int64, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunkSize = 1 << 20
	chunk := make([]byte, chunkSize)
	for i := 0; i < passes; i++ {
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		random := i%2 == 0
		remain := size
		for remain > 0 {
			n := int64(chunkSize)
			if remain < n {
				n = remain
			}
			if random {
				if _, err := rand.Read(chunk[:n]); err != nil {
					return err
				}
			} else {
				for j := int64(0); j < n; j++ {
					chunk[j] = 0
				}
			}
			if _, err := f.Write(chunk[:n]); err != nil {
				return err
			}
			remain -= n
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// SecureRemoveTree removes a directory tree, securely deleting regular files
// first when passes > 0.
func SecureRemoveTree(path string, passes int) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if !info.IsDir() {
		SecureDeleteFile(path, passes)
		return
	}
	if passes > 0 {
		_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type().IsRegular() {
				SecureDeleteFile(p, passes)
			}
			return nil
		})
	}
	_ = os.RemoveAll(path)
}
