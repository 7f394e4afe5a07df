package rotatingfile_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-go/alumet/internal/rotatingfile"
)

func TestFile_WritesAccumulateUntilRotation(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := rotatingfile.Open(fs, rotatingfile.Config{FilePath: "out.jsonl", MaxBytes: 1024}, nil)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), f.Size())

	exists, err := afero.Exists(fs, "out.jsonl.1")
	require.NoError(t, err)
	assert.False(t, exists, "no rotation should have happened yet")
}

func TestFile_RotatesWhenMaxBytesExceeded(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := rotatingfile.Open(fs, rotatingfile.Config{FilePath: "out.jsonl", MaxBytes: 10}, nil)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("0123456789")) // exactly fills the budget
	require.NoError(t, err)
	_, err = f.Write([]byte("next")) // pushes size over MaxBytes, triggers rotation first
	require.NoError(t, err)

	backup, err := afero.ReadFile(fs, "out.jsonl.1")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(backup))

	active, err := afero.ReadFile(fs, "out.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "next", string(active))
}

func TestFile_PrunesBackupsBeyondMaxBackups(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := rotatingfile.Open(fs, rotatingfile.Config{FilePath: "out.jsonl", MaxBytes: 1, MaxBackups: 2}, nil)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < 4; i++ {
		_, err = f.Write([]byte{byte('a' + i)})
		require.NoError(t, err)
	}

	exists1, _ := afero.Exists(fs, "out.jsonl.1")
	exists2, _ := afero.Exists(fs, "out.jsonl.2")
	exists3, _ := afero.Exists(fs, "out.jsonl.3")
	assert.True(t, exists1)
	assert.True(t, exists2)
	assert.False(t, exists3, "backups beyond MaxBackups must be pruned")
}

func TestOpen_RejectsEmptyFilePath(t *testing.T) {
	_, err := rotatingfile.Open(afero.NewMemMapFs(), rotatingfile.Config{}, nil)
	assert.Error(t, err)
}

func TestOpen_ResumesSizeFromExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "out.jsonl", []byte("existing"), 0o644))

	f, err := rotatingfile.Open(fs, rotatingfile.Config{FilePath: "out.jsonl"}, nil)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len("existing")), f.Size())
}
