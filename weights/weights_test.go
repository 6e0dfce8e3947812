package weights

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPathRoundTrip(t *testing.T) {
	cases := []Key{
		Stage(0).Key(RoleConvWeight),
		Stage(2).Child("m", 0, "cv1").Key(RoleBNVar),
		Stage(22).Child("cv2", 1, 2).Key(RoleWeight),
		Stage(22).Child("dfl").Key(RoleConvWeight),
		Stage(22).Child("proto", "upsample").Key(RoleBias),
	}
	want := []string{
		"model.0.conv.weight",
		"model.2.m.0.cv1.bn.running_var",
		"model.22.cv2.1.2.weight",
		"model.22.dfl.conv.weight",
		"model.22.proto.upsample.bias",
	}
	for i, k := range cases {
		assert.Equal(t, want[i], k.Path())
		parsed, err := ParseKey(want[i])
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKey("backbone.0.weight")
	assert.Error(t, err)
	_, err = ParseKey("model.x.conv.weight")
	assert.Error(t, err)
	_, err = ParseKey("model.1.conv.gamma")
	assert.Error(t, err)
}

func TestTableRequire(t *testing.T) {
	table := NewTable(map[string][]float32{
		"model.0.conv.weight": make([]float32, 12),
	})
	k := Stage(0).Key(RoleConvWeight)
	require.NoError(t, table.Require(k, 12))
	require.NoError(t, table.Require(k, 12), "shared paths may be referenced again")

	var contract *WeightContractError
	err := table.Require(k, 13)
	require.True(t, errors.As(err, &contract))
	assert.Equal(t, 13, contract.Want)
	assert.Equal(t, 12, contract.Got)

	err = table.Require(Stage(1).Key(RoleConvWeight), 4)
	require.True(t, errors.As(err, &contract))
	assert.Equal(t, Missing, contract.Got)
	assert.Contains(t, err.Error(), "missing")

	values, err := table.Values(k)
	require.NoError(t, err)
	assert.Len(t, values, 12)
	_, err = table.Values(Stage(1).Key(RoleConvWeight))
	assert.Error(t, err)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	m := NewManifest()
	require.NoError(t, m.Require(Stage(0).Key(RoleConvWeight), 4))
	require.NoError(t, m.Require(Stage(0).Key(RoleBNWeight), 2))
	require.NoError(t, m.Require(Stage(0).Key(RoleBNBias), 2))
	require.NoError(t, m.Require(Stage(0).Key(RoleBNBias), 2))
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 8, m.TotalElements())
	assert.Error(t, m.Require(Stage(0).Key(RoleBNBias), 3))
	assert.Error(t, m.Err())

	table := NewTable(map[string][]float32{
		"model.0.conv.weight": make([]float32, 5),
		"model.0.bn.weight":   make([]float32, 2),
	})
	err := table.Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.0.conv.weight has 5 elements")
	assert.Contains(t, err.Error(), "model.0.bn.bias is missing")
}

func TestReleaseReportsUnclaimed(t *testing.T) {
	table := NewTable(map[string][]float32{
		"model.0.conv.weight": {1},
		"model.0.bn.weight":   {1},
	})
	require.NoError(t, table.Require(Stage(0).Key(RoleConvWeight), 1))
	assert.Equal(t, []string{"model.0.bn.weight"}, table.Release())
	assert.Equal(t, 0, table.Len())
	assert.Error(t, table.Require(Stage(0).Key(RoleConvWeight), 1))
}

func TestWTSRoundTrip(t *testing.T) {
	m := NewManifest()
	require.NoError(t, m.Require(Stage(22).Child("dfl").Key(RoleConvWeight), 16))
	require.NoError(t, m.Require(Stage(0).Key(RoleBNVar), 3))
	table := Synthesize(m, func(k Key, i int) float32 { return float32(i) * 0.5 })

	var buf bytes.Buffer
	require.NoError(t, WriteWTS(&buf, table))
	assert.True(t, strings.HasPrefix(buf.String(), "2\n"))

	read, err := ReadWTS(&buf)
	require.NoError(t, err)
	require.NoError(t, read.Require(Stage(22).Child("dfl").Key(RoleConvWeight), 16))
	values, err := read.Values(Stage(22).Child("dfl").Key(RoleConvWeight))
	require.NoError(t, err)
	assert.Equal(t, float32(7.5), values[15])
}

func TestReadWTSMalformed(t *testing.T) {
	_, err := ReadWTS(strings.NewReader("x\n"))
	assert.Error(t, err)
	_, err = ReadWTS(strings.NewReader("1\nmodel.0.conv.weight 2 3f800000\n"))
	assert.ErrorContains(t, err, "declares 2 elements")
	_, err = ReadWTS(strings.NewReader("2\nmodel.0.conv.weight 1 3f800000\n"))
	assert.Error(t, err)
	table, err := ReadWTS(strings.NewReader("1\nmodel.0.conv.weight 1 3f800000"))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestLoadWTS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.wts")
	require.NoError(t, os.WriteFile(path, []byte("1\nmodel.22.dfl.conv.weight 2 0 3f800000\n"), 0o600))
	table, err := LoadWTS(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.22.dfl.conv.weight"}, table.Paths())
}
