package cachestore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidFilename(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"abc.chunk.gcc", true},
		{"abc.stratum.core.meta", true},
		{"", false},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
		{"abc..chunk", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidFilename(tt.name), tt.name)
	}
}

func TestCacheKeyOf(t *testing.T) {
	assert.Equal(t, "abc", CacheKeyOf("abc.chunk.gcc"))
	assert.Equal(t, "plain", CacheKeyOf("plain"))
}

func TestDir_PutOpenHas(t *testing.T) {
	d, err := OpenDir(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	assert.False(t, d.Has("k.chunk.a"))

	res, err := d.Put("k.chunk.a", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.SHA256)
	assert.True(t, d.Has("k.chunk.a"))

	f, err := d.Open("k.chunk.a")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestDir_RejectsBadNames(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)

	_, err = d.Put("../escape", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrBadFilename)

	_, err = d.Open("a/b")
	assert.ErrorIs(t, err, ErrBadFilename)
	assert.False(t, d.Has("../escape"))
}

func TestDir_PutFile(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(src, []byte("built"), 0o644))

	res, err := d.PutFile("k.chunk.b", src)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)
	assert.True(t, d.Has("k.chunk.b"))
}
