// Package filesystem is the built-in file manipulation module: read,
// write, move, copy, delete, search, checksums, and archives. Sandbox
// restrictions are enforced upstream by the permission guard; this
// module does not re-check them.
package filesystem

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
)

const (
	moduleID = "filesystem"
	version  = "1.0.0"

	defaultMaxResults = 100
	maxSearchResults  = 1000
)

// Module implements filesystem actions over the host OS.
type Module struct{}

// New returns the filesystem module.
func New() *Module { return &Module{} }

func (m *Module) ID() string      { return moduleID }
func (m *Module) Version() string { return version }

// ContextSnippet contributes to the aggregated system prompt.
func (m *Module) ContextSnippet() string {
	return "## filesystem\n" +
		"Read, write, move, copy, and delete files and directories. " +
		"Search by name or content, compute checksums, create and extract zip/tar.gz archives. " +
		"All paths are host paths; relative paths resolve against the daemon's working directory."
}

// Execute dispatches one named action.
func (m *Module) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	p := paramReader{params: params}
	switch action {
	case "read_file":
		return m.readFile(p)
	case "write_file":
		return m.writeFile(p)
	case "append_file":
		return m.appendFile(p)
	case "copy_file":
		return m.copyFile(p)
	case "move_file":
		return m.moveFile(p)
	case "delete_file":
		return m.deleteFile(p)
	case "delete_directory":
		return m.deleteDirectory(p)
	case "create_directory":
		return m.createDirectory(p)
	case "list_directory":
		return m.listDirectory(p)
	case "search_files":
		return m.searchFiles(ctx, p)
	case "get_file_info":
		return m.getFileInfo(p)
	case "compute_checksum":
		return m.computeChecksum(p)
	case "create_archive":
		return m.createArchive(p)
	case "extract_archive":
		return m.extractArchive(p)
	default:
		return nil, &module.ActionNotFoundError{Module: moduleID, Action: action}
	}
}

// paramReader reads schema-validated params; types are already checked
// by the registry, so assertions here only guard against absent keys.
type paramReader struct {
	params map[string]any
}

func (p paramReader) str(key string) string {
	s, _ := p.params[key].(string)
	return s
}

func (p paramReader) boolean(key string, def bool) bool {
	if v, ok := p.params[key].(bool); ok {
		return v
	}
	return def
}

func (p paramReader) integer(key string, def int) int {
	switch v := p.params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (m *Module) readFile(p paramReader) (map[string]any, error) {
	path := p.str("path")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	startLine := p.integer("start_line", 0)
	endLine := p.integer("end_line", 0)
	if startLine > 0 || endLine > 0 {
		lines := strings.SplitAfter(content, "\n")
		start := 0
		if startLine > 0 {
			start = startLine - 1
		}
		end := len(lines)
		if endLine > 0 && endLine < end {
			end = endLine
		}
		if start > len(lines) {
			start = len(lines)
		}
		if start > end {
			start = end
		}
		content = strings.Join(lines[start:end], "")
	}

	if maxBytes := p.integer("max_bytes", 0); maxBytes > 0 && len(content) > maxBytes {
		content = content[:maxBytes]
	}
	return map[string]any{
		"path":       path,
		"content":    content,
		"size_bytes": len(content),
	}, nil
}

func (m *Module) writeFile(p paramReader) (map[string]any, error) {
	path := p.str("path")
	content := p.str("content")

	if _, err := os.Stat(path); err == nil && !p.boolean("overwrite", true) {
		return nil, fmt.Errorf("file already exists and overwrite=false: %s", path)
	}
	if p.boolean("create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent dirs for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"path": path, "bytes_written": len(content)}, nil
}

func (m *Module) appendFile(p paramReader) (map[string]any, error) {
	path := p.str("path")
	content := p.str("content")

	if p.boolean("newline", false) {
		if _, err := os.Stat(path); err == nil {
			content = "\n" + content
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s for append: %w", path, err)
	}
	defer f.Close()
	n, err := f.WriteString(content)
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", path, err)
	}
	return map[string]any{"path": path, "bytes_appended": n}, nil
}

func (m *Module) copyFile(p paramReader) (map[string]any, error) {
	src, dst := p.str("source"), p.str("destination")
	if _, err := os.Stat(dst); err == nil && !p.boolean("overwrite", false) {
		return nil, fmt.Errorf("destination exists and overwrite=false: %s", dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return nil, fmt.Errorf("copy to %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return nil, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return map[string]any{"source": src, "destination": dst}, nil
}

func (m *Module) moveFile(p paramReader) (map[string]any, error) {
	src, dst := p.str("source"), p.str("destination")
	if _, err := os.Stat(dst); err == nil && !p.boolean("overwrite", false) {
		return nil, fmt.Errorf("destination exists and overwrite=false: %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return map[string]any{"source": src, "destination": dst}, nil
}

func (m *Module) deleteFile(p paramReader) (map[string]any, error) {
	path := p.str("path")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, use delete_directory: %s", path)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	return map[string]any{"deleted": path}, nil
}

func (m *Module) deleteDirectory(p paramReader) (map[string]any, error) {
	path := p.str("path")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path)
	}
	if p.boolean("recursive", false) {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path) // fails on non-empty
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	return map[string]any{"deleted": path}, nil
}

func (m *Module) createDirectory(p paramReader) (map[string]any, error) {
	path := p.str("path")
	var err error
	if p.boolean("parents", true) {
		err = os.MkdirAll(path, 0o755)
	} else {
		err = os.Mkdir(path, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("create directory %s: %w", path, err)
	}
	return map[string]any{"path": path, "created": true}, nil
}

func (m *Module) listDirectory(p paramReader) (map[string]any, error) {
	base := p.str("path")
	pattern := p.str("pattern")
	recursive := p.boolean("recursive", false)
	includeHidden := p.boolean("include_hidden", false)
	maxResults := p.integer("max_results", defaultMaxResults)

	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}

	var entries []map[string]any
	appendEntry := func(path string, d fs.DirEntry) {
		info, err := d.Info()
		if err != nil {
			return
		}
		kind := "file"
		if d.IsDir() {
			kind = "directory"
		}
		entries = append(entries, map[string]any{
			"name":     d.Name(),
			"path":     path,
			"type":     kind,
			"size":     info.Size(),
			"modified": info.ModTime().Unix(),
		})
	}

	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if path == base {
			return nil
		}
		hidden := strings.HasPrefix(d.Name(), ".")
		if hidden && !includeHidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				if d.IsDir() && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
		}
		appendEntry(path, d)
		if len(entries) >= maxResults {
			return fs.SkipAll
		}
		if !recursive && d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}
	if err := filepath.WalkDir(base, walk); err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	return map[string]any{"path": base, "entries": entries, "count": len(entries)}, nil
}

func (m *Module) searchFiles(ctx context.Context, p paramReader) (map[string]any, error) {
	base := p.str("directory")
	pattern := p.str("pattern")
	if pattern == "" {
		pattern = "*"
	}
	maxResults := p.integer("max_results", defaultMaxResults)
	if maxResults > maxSearchResults {
		maxResults = maxSearchResults
	}

	var contentRe *regexp.Regexp
	if cp := p.str("content_pattern"); cp != "" {
		expr := cp
		if !p.boolean("case_sensitive", false) {
			expr = "(?i)" + expr
		}
		var err error
		contentRe, err = regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid content_pattern: %w", err)
		}
	}

	var matches []map[string]any
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		if contentRe != nil {
			data, err := os.ReadFile(path)
			if err != nil || !contentRe.Match(data) {
				return nil
			}
		}
		matches = append(matches, map[string]any{"path": path, "name": d.Name()})
		if len(matches) >= maxResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", base, err)
	}
	return map[string]any{"matches": matches, "count": len(matches)}, nil
}

func (m *Module) getFileInfo(p paramReader) (map[string]any, error) {
	path := p.str("path")
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return map[string]any{
		"path":        path,
		"name":        filepath.Base(path),
		"type":        kind,
		"size_bytes":  info.Size(),
		"modified":    info.ModTime().Unix(),
		"permissions": fmt.Sprintf("%O", info.Mode().Perm()),
		"is_symlink":  info.Mode()&os.ModeSymlink != 0,
		"suffix":      filepath.Ext(path),
	}, nil
}

func (m *Module) computeChecksum(p paramReader) (map[string]any, error) {
	path := p.str("path")
	algorithm := p.str("algorithm")
	if algorithm == "" {
		algorithm = "sha256"
	}

	var h hash.Hash
	switch algorithm {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}
	return map[string]any{
		"path":      path,
		"algorithm": algorithm,
		"checksum":  hex.EncodeToString(h.Sum(nil)),
	}, nil
}
