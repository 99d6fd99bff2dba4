package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
)

func run(t *testing.T, action string, params map[string]any) map[string]any {
	t.Helper()
	m := New()
	params = m.Manifest().ApplyDefaults(action, params)
	require.NoError(t, m.Manifest().ValidateParams(action, params))
	result, err := m.Execute(context.Background(), action, params)
	require.NoError(t, err)
	return result
}

func TestManifestCompiles(t *testing.T) {
	m := New()
	require.NoError(t, m.Manifest().Compile())
	assert.Equal(t, "filesystem", m.ID())
	assert.NotEmpty(t, m.ContextSnippet())
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")

	result := run(t, "write_file", map[string]any{"path": path, "content": "line1\nline2\nline3\n"})
	assert.Equal(t, 18, result["bytes_written"])

	result = run(t, "read_file", map[string]any{"path": path})
	assert.Equal(t, "line1\nline2\nline3\n", result["content"])
	assert.Equal(t, 18, result["size_bytes"])
}

func TestReadFileLineRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	result := run(t, "read_file", map[string]any{"path": path, "start_line": 2, "end_line": 3})
	assert.Equal(t, "b\nc\n", result["content"])
}

func TestWriteFileOverwriteRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "once.txt")
	run(t, "write_file", map[string]any{"path": path, "content": "v1"})

	m := New()
	_, err := m.Execute(context.Background(), "write_file", map[string]any{
		"path": path, "content": "v2", "overwrite": false,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overwrite=false")
}

func TestWriteFileCreateDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "deep.txt")
	result := run(t, "write_file", map[string]any{"path": path, "content": "x", "create_dirs": true})
	assert.Equal(t, path, result["path"])
}

func TestAppendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	run(t, "append_file", map[string]any{"path": path, "content": "first"})
	run(t, "append_file", map[string]any{"path": path, "content": "second", "newline": true})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(data))
}

func TestCopyAndMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	copied := filepath.Join(dir, "copy.txt")
	run(t, "copy_file", map[string]any{"source": src, "destination": copied})
	info, err := os.Stat(copied)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	moved := filepath.Join(dir, "moved.txt")
	run(t, "move_file", map[string]any{"source": copied, "destination": moved})
	assert.NoFileExists(t, copied)
	assert.FileExists(t, moved)

	// Destination collision without overwrite.
	m := New()
	_, err = m.Execute(context.Background(), "copy_file", map[string]any{
		"source": src, "destination": moved,
	})
	require.Error(t, err)
}

func TestDeleteFileRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	m := New()
	_, err := m.Execute(context.Background(), "delete_file", map[string]any{"path": dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete_directory")
}

func TestDeleteDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "f"), []byte("x"), 0o644))

	// Non-recursive fails on non-empty.
	m := New()
	_, err := m.Execute(context.Background(), "delete_directory", map[string]any{"path": dir})
	require.Error(t, err)

	result := run(t, "delete_directory", map[string]any{"path": dir, "recursive": true})
	assert.Equal(t, dir, result["deleted"])
	assert.NoDirExists(t, dir)
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.go"), []byte("x"), 0o644))

	result := run(t, "list_directory", map[string]any{"path": dir})
	assert.Equal(t, 3, result["count"]) // a.go, b.txt, sub; hidden excluded

	result = run(t, "list_directory", map[string]any{"path": dir, "include_hidden": true})
	assert.Equal(t, 4, result["count"])

	result = run(t, "list_directory", map[string]any{"path": dir, "pattern": "*.go", "recursive": true})
	assert.Equal(t, 2, result["count"])
}

func TestSearchFilesByContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("the NEEDLE is here"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("nothing"), 0o644))

	result := run(t, "search_files", map[string]any{
		"directory": dir, "pattern": "*.txt", "content_pattern": "needle",
	})
	assert.Equal(t, 1, result["count"])

	result = run(t, "search_files", map[string]any{
		"directory": dir, "content_pattern": "needle", "case_sensitive": true,
	})
	assert.Equal(t, 0, result["count"])
}

func TestGetFileInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o640))

	result := run(t, "get_file_info", map[string]any{"path": path})
	assert.Equal(t, "file", result["type"])
	assert.Equal(t, int64(2), result["size_bytes"])
	assert.Equal(t, "0o640", result["permissions"])
	assert.Equal(t, ".json", result["suffix"])
}

func TestComputeChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sum.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	result := run(t, "compute_checksum", map[string]any{"path": path})
	assert.Equal(t, "sha256", result["algorithm"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", result["checksum"])

	m := New()
	_, err := m.Execute(context.Background(), "compute_checksum", map[string]any{
		"path": path, "algorithm": "crc32",
	})
	require.Error(t, err)
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, format := range []string{"zip", "tar.gz"} {
		t.Run(format, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "tree")
			require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "root.txt"), []byte("r"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "leaf.txt"), []byte("l"), 0o644))

			archive := filepath.Join(dir, "out."+format)
			result := run(t, "create_archive", map[string]any{"source": src, "destination": archive, "format": format})
			assert.Equal(t, 2, result["files"])

			out := filepath.Join(dir, "restored")
			result = run(t, "extract_archive", map[string]any{"source": archive, "destination": out})
			assert.Equal(t, format, result["format"])
			assert.Equal(t, 2, result["files"])

			data, err := os.ReadFile(filepath.Join(out, "sub", "leaf.txt"))
			require.NoError(t, err)
			assert.Equal(t, "l", string(data))
		})
	}
}

func TestExtractArchiveRejectsEscape(t *testing.T) {
	_, err := securePath(t.TempDir(), "../outside.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestUnknownAction(t *testing.T) {
	m := New()
	_, err := m.Execute(context.Background(), "format_disk", nil)
	var nf *module.ActionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "filesystem", nf.Module)
}
