package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_MissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := s.List("base")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestList_SortedDescendingAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"base-100.tar", "base-300.tar", "base-200.tar", "other-999.tar", "garbage.tar"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	s := New(dir)
	entries, err := s.List("base")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(300), entries[0].Timestamp)
	assert.Equal(t, int64(200), entries[1].Timestamp)
	assert.Equal(t, int64(100), entries[2].Timestamp)
}

func TestLatest_NoneExists(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.Latest("base")
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeCommitter struct {
	calls []string
}

func (f *fakeCommitter) CommitAndSave(ctx context.Context, containerName, repoTag, destPath string) error {
	f.calls = append(f.calls, destPath)
	return os.WriteFile(destPath, []byte("tar-contents"), 0o644)
}

func TestPut_KeepsOnlyNewest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := New(dir)
	c := &fakeCommitter{}

	first, err := s.Put(context.Background(), "base", "hakuriver-env-base", c, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.Timestamp)

	second, err := s.Put(context.Background(), "base", "hakuriver-env-base", c, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), second.Timestamp)

	_, err = os.Stat(first.Path)
	assert.True(t, os.IsNotExist(err), "older tarball should have been removed")

	entries, err := s.List("base")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.Path, entries[0].Path)
}

func TestPut_MonotonicTimestampEvenIfClockGoesBack(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	c := &fakeCommitter{}

	first, err := s.Put(context.Background(), "base", "src", c, 500)
	require.NoError(t, err)

	second, err := s.Put(context.Background(), "base", "src", c, 100)
	require.NoError(t, err)

	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestPut_RejectsInvalidEnvName(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put(context.Background(), "Bad Env!", "src", &fakeCommitter{}, 1)
	assert.Error(t, err)
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "kohakuriver/base:base", ImageTag("base"))
}

func TestParseEnvFromImageTag(t *testing.T) {
	assert.Equal(t, "base", ParseEnvFromImageTag("kohakuriver/base:base"))
	assert.Equal(t, "", ParseEnvFromImageTag("docker.io/library/debian:bookworm"))
}
