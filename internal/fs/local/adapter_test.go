package local

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bbsync/internal/fs"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/mirror"

func newTestAdapter(t *testing.T) (*Adapter, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(root, 0755))
	return NewAdapter(fsys, root), fsys
}

func TestStageAndCommit(t *testing.T) {
	a, fsys := newTestAdapter(t)

	staged, err := a.Stage(strings.NewReader("lecture notes"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("lecture notes")), staged.Size)
	assert.NotEmpty(t, staged.Digest)
	assert.True(t, strings.HasPrefix(staged.Path, filepath.Join(root, StagingDir)))

	dest := filepath.Join(root, "C1", "week1", "notes.pdf")
	mod := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, a.Commit(staged, dest, mod))

	data, err := afero.ReadFile(fsys, dest)
	require.NoError(t, err)
	assert.Equal(t, "lecture notes", string(data))
	assert.False(t, a.Exists(staged.Path))

	meta, err := a.Stat(dest)
	require.NoError(t, err)
	assert.True(t, mod.Equal(meta.ModTime))
}

func TestCommitOverwrites(t *testing.T) {
	a, fsys := newTestAdapter(t)
	dest := filepath.Join(root, "a.txt")
	require.NoError(t, afero.WriteFile(fsys, dest, []byte("old"), 0644))

	staged, err := a.Stage(strings.NewReader("new"))
	require.NoError(t, err)
	require.NoError(t, a.Commit(staged, dest, time.Time{}))

	data, _ := afero.ReadFile(fsys, dest)
	assert.Equal(t, "new", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStageFailureLeavesNoPartial(t *testing.T) {
	a, fsys := newTestAdapter(t)

	_, err := a.Stage(failingReader{})
	require.Error(t, err)

	entries, err := afero.ReadDir(fsys, filepath.Join(root, StagingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMoveRefusesOccupiedDestination(t *testing.T) {
	a, fsys := newTestAdapter(t)
	src := filepath.Join(root, "old", "a.txt")
	dst := filepath.Join(root, "new", "a.txt")
	require.NoError(t, afero.WriteFile(fsys, src, []byte("a"), 0644))
	require.NoError(t, afero.WriteFile(fsys, dst, []byte("user file"), 0644))

	err := a.Move(src, dst)
	assert.ErrorIs(t, err, fs.ErrDestinationExists)

	data, _ := afero.ReadFile(fsys, dst)
	assert.Equal(t, "user file", string(data))
}

func TestMove(t *testing.T) {
	a, fsys := newTestAdapter(t)
	src := filepath.Join(root, "old", "a.txt")
	dst := filepath.Join(root, "renamed", "b.txt")
	require.NoError(t, afero.WriteFile(fsys, src, []byte("a"), 0644))

	require.NoError(t, a.Move(src, dst))
	assert.False(t, a.Exists(src))
	assert.True(t, a.Exists(dst))
}

func TestParkMovesIntoStaging(t *testing.T) {
	a, fsys := newTestAdapter(t)
	src := filepath.Join(root, "C1", "x.pdf")
	require.NoError(t, afero.WriteFile(fsys, src, []byte("x"), 0644))

	hop, err := a.Park(src)
	require.NoError(t, err)
	assert.False(t, a.Exists(src))
	assert.True(t, strings.HasPrefix(hop, filepath.Join(root, StagingDir)))
	assert.True(t, strings.HasSuffix(hop, ".part"))

	data, err := afero.ReadFile(fsys, hop)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	require.NoError(t, a.Move(hop, filepath.Join(root, "C1", "y.pdf")))
	assert.True(t, a.Exists(filepath.Join(root, "C1", "y.pdf")))
}

func TestParkMissingFile(t *testing.T) {
	a, fsys := newTestAdapter(t)
	_, err := a.Park(filepath.Join(root, "nope"))
	require.Error(t, err)

	left, _ := afero.ReadDir(fsys, filepath.Join(root, StagingDir))
	assert.Empty(t, left)
}

func TestCleanStaging(t *testing.T) {
	a, fsys := newTestAdapter(t)
	dir := filepath.Join(root, StagingDir)
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dir, "123.part"), []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dir, "keep.txt"), []byte("x"), 0644))

	n, err := a.CleanStaging()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, a.Exists(filepath.Join(dir, "keep.txt")))
}

func TestCleanStagingWithoutDir(t *testing.T) {
	a, _ := newTestAdapter(t)
	n, err := a.CleanStaging()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatMissing(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Stat(filepath.Join(root, "nope"))
	assert.True(t, os.IsNotExist(err))
}

type failingWriteFs struct {
	afero.Fs
}

func (f failingWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return nil, errors.New("disk full")
}

func TestStageClassifiesErrors(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Stage(failingReader{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, fs.ErrStagingWrite))

	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll(root, 0755))
	broken := NewAdapter(failingWriteFs{Fs: mem}, root)
	_, err = broken.Stage(strings.NewReader("x"))
	assert.ErrorIs(t, err, fs.ErrStagingWrite)
}
