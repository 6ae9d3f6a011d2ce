// SPDX-License-Identifier: MIT
package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "meta.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"ok":true}`), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, WriteFileAtomic(path, []byte("old"), 0o640))
	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestSafeUnlinkToleratesMissing(t *testing.T) {
	SafeUnlink(filepath.Join(t.TempDir(), "does-not-exist"))
}

func TestSecureDeleteFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "payload.wav")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o640))
	SecureDeleteFile(path, 2)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// passes=0 degrades to a plain unlink.
	path = filepath.Join(dir, "plain.wav")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	SecureDeleteFile(path, 0)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Missing files are not an error.
	SecureDeleteFile(filepath.Join(dir, "ghost"), 2)
}

func TestSecureRemoveTree(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "job")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "segments"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "audio.wav"), []byte("pcm"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "segments", "seg_0.wav"), []byte("pcm"), 0o640))

	SecureRemoveTree(tree, 1)
	_, err := os.Stat(tree)
	assert.True(t, os.IsNotExist(err))

	SecureRemoveTree(filepath.Join(dir, "ghost"), 1)
}
