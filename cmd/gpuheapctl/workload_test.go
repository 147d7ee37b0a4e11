package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"

	"github.com/hupe1980/gpuheap"
)

const replicationWorkload = `
strategy = "compact"
bytes = 500
prefault = true

[[step]]
op = "alloc"
name = "a"
size = 60
replicas = 3

[[step]]
op = "alloc"
name = "b"
size = 512
replicas = 3

[[step]]
op = "free"
name = "a"

[[step]]
op = "alloc"
name = "huge"
size = 1048576
`

func TestParseWorkload(t *testing.T) {
	w, err := ParseWorkload([]byte(replicationWorkload))
	require.NoError(t, err)
	assert.Equal(t, "compact", w.Strategy)
	assert.Equal(t, uint64(500), w.Bytes)
	assert.True(t, w.Prefault)
	assert.Nil(t, w.Geometry)
	require.Len(t, w.Steps, 4)
	assert.Equal(t, Step{Op: "alloc", Name: "b", Size: 512, Replicas: 3}, w.Steps[1])
}

func TestWorkload_Run(t *testing.T) {
	w, err := ParseWorkload([]byte(replicationWorkload))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, w.Run(context.Background(), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "pages [0, 3)")
	assert.Contains(t, lines[1], "pages [3, 9)")
	assert.Contains(t, lines[2], "250 free pages")
	assert.Contains(t, lines[3], "out of space")
	assert.Equal(t,
		"heap words: fffffffffffffe07 ffffffffffffffff ffffffffffffffff ffffffffffffffff",
		lines[4])
}

func TestWorkload_RunGeometry(t *testing.T) {
	for _, enc := range []string{"raw", "lz4", "zstd"} {
		t.Run(enc, func(t *testing.T) {
			w, err := ParseWorkload([]byte(`
strategy = "bulk-static"
bytes = 65536

[geometry]
vertex_bytes = 262144
index_bytes = 65536
encoding = "` + enc + `"

[[step]]
op = "load"
name = "rock"
vertex_count = 1000
vertex_stride = 32
index_count = 3000
index_stride = 2

[[step]]
op = "load"
name = "tree"
vertex_count = 2048
vertex_stride = 32

[[step]]
op = "unload"
name = "rock"

[[step]]
op = "defragment"

[[step]]
op = "shrink"
`))
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, w.Run(context.Background(), &out))

			s := out.String()
			assert.Contains(t, s, "mesh 0 vertex @0")
			assert.Contains(t, s, "mesh 1 vertex @65536")
			assert.Contains(t, s, "moved 1 ranges, 65536 bytes")
			assert.Contains(t, s, "vertex 65536 bytes, index 65536 bytes")
			assert.Contains(t, s, "vertex words: 0000000000000000")
			assert.Contains(t, s, "index words: 0000000000000001")
		})
	}
}

func TestWorkload_RunErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		err  error
		msg  string
	}{
		{
			name: "unknown strategy",
			toml: `strategy = "huge"`,
			err:  gpuheap.ErrInvalidStrategy,
		},
		{
			name: "unknown handle",
			toml: "strategy = \"compact\"\n[[step]]\nop = \"free\"\nname = \"x\"",
			msg:  `unknown handle "x"`,
		},
		{
			name: "geometry op without arena",
			toml: "strategy = \"compact\"\n[[step]]\nop = \"defragment\"",
			msg:  "needs a [geometry] section",
		},
		{
			name: "memory limit",
			toml: "strategy = \"compact\"\nbytes = 200000\nmemory_limit = 65536",
			err:  gpuheap.ErrArenaCreationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWorkload([]byte(tt.toml))
			require.NoError(t, err)
			err = w.Run(context.Background(), &bytes.Buffer{})
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestLoadWorkload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.toml")
	require.NoError(t, os.WriteFile(path, []byte(replicationWorkload), 0o600))

	w, err := LoadWorkload(path)
	require.NoError(t, err)
	assert.Len(t, w.Steps, 4)

	_, err = LoadWorkload(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestParseAllocArg(t *testing.T) {
	size, rep, err := parseAllocArg("60x3")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), size)
	assert.Equal(t, uint32(3), rep)

	size, rep, err = parseAllocArg("4096")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
	assert.Equal(t, uint32(1), rep)

	for _, bad := range []string{"", "x3", "60x", "60xx3", "-1"} {
		_, _, err := parseAllocArg(bad)
		assert.Error(t, err, bad)
	}
}

func TestApp(t *testing.T) {
	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		a := app()
		a.Writer = &out
		a.ExitErrHandler = func(*cli.Context, error) {}
		require.NoError(t, a.Run(append([]string{"gpuheapctl"}, args...)))
		return out.String()
	}

	out := run("sizing", "--strategy", "bulk-dynamic", "--bytes", "170000")
	assert.Contains(t, out, "heap bytes: 196608")
	assert.Contains(t, out, "pages:      3")
	assert.Contains(t, out, "words:      1")

	out = run("inspect", "--bytes", "500", "--alloc", "60x3", "--alloc", "512x3", "--free", "0")
	assert.Contains(t, out, "fffffffffffffff8")
	assert.Contains(t, out, "fffffffffffffe00")
	assert.Contains(t, out, "fffffffffffffe07")

	path := filepath.Join(t.TempDir(), "w.toml")
	require.NoError(t, os.WriteFile(path, []byte(replicationWorkload), 0o600))
	out = run("--log-level", "error", "simulate", "-w", path)
	assert.Contains(t, out, "heap words: fffffffffffffe07")

	a := app()
	a.Writer = &bytes.Buffer{}
	a.ExitErrHandler = func(*cli.Context, error) {}
	err := a.Run([]string{"gpuheapctl", "sizing", "--bytes", "18446744073709551615"})
	assert.ErrorIs(t, err, gpuheap.ErrInvalidSize)
}
