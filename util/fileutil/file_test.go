package fileutil

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/yolov8n.wts", PathJoinSafe("s3://bucket/", "models", "yolov8n.wts"))
	assert.Equal(t, filepath.Join("a", "b", "c"), PathJoinSafe("a", "b", "c"))
}

func TestReadLineLongLine(t *testing.T) {
	long := strings.Repeat("x", 200_000)
	r := bufio.NewReaderSize(strings.NewReader(long+"\nnext\n"), 16)
	line, err := ReadLine(r)
	require.NoError(t, err)
	assert.Len(t, line, len(long))
	line, err = ReadLine(r)
	require.NoError(t, err)
	assert.Equal(t, "next", string(line))
}

func TestWriteAndReadBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "artifact.json")
	require.NoError(t, WriteFileBytes(ctx, path, []byte(`{"ok":true}`), ""))
	exists, err := FileExists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)
	data, err := ReadFileBytes(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}
