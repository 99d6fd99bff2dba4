package filesystem

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

func (m *Module) createArchive(p paramReader) (map[string]any, error) {
	src := p.str("source")
	dst := p.str("destination")
	format := p.str("format")
	if format == "" {
		format = formatFromName(dst)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", src, err)
	}

	var count int
	switch format {
	case "zip":
		count, err = writeZip(dst, src, info)
	case "tar", "tar.gz":
		count, err = writeTar(dst, src, info, format == "tar.gz")
	default:
		return nil, fmt.Errorf("unsupported archive format %q (want zip, tar, or tar.gz)", format)
	}
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"archive":    dst,
		"format":     format,
		"files":      count,
		"size_bytes": stat.Size(),
	}, nil
}

func (m *Module) extractArchive(p paramReader) (map[string]any, error) {
	src := p.str("source")
	dst := p.str("destination")
	format := p.str("format")
	if format == "" {
		format = formatFromName(src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("extract to %s: %w", dst, err)
	}

	var count int
	var err error
	switch format {
	case "zip":
		count, err = readZip(src, dst)
	case "tar", "tar.gz":
		count, err = readTar(src, dst, format == "tar.gz")
	default:
		return nil, fmt.Errorf("unsupported archive format %q (want zip, tar, or tar.gz)", format)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"destination": dst, "format": format, "files": count}, nil
}

func formatFromName(name string) string {
	switch {
	case strings.HasSuffix(name, ".zip"):
		return "zip"
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(name, ".tar"):
		return "tar"
	}
	return ""
}

// walkSource yields (absolute path, archive-relative name) pairs for a
// file or directory tree rooted at src.
func walkSource(src string, info os.FileInfo, fn func(path, name string) error) error {
	if !info.IsDir() {
		return fn(src, filepath.Base(src))
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(rel))
	})
}

func writeZip(dst, src string, info os.FileInfo) (int, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create archive %s: %w", dst, err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	var count int
	err = walkSource(src, info, func(path, name string) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", src, err)
	}
	return count, zw.Close()
}

func writeTar(dst, src string, info os.FileInfo, gzipped bool) (int, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create archive %s: %w", dst, err)
	}
	defer out.Close()

	var w io.WriteCloser = out
	if gzipped {
		gz := gzip.NewWriter(out)
		defer gz.Close()
		w = gz
	}
	tw := tar.NewWriter(w)

	var count int
	err = walkSource(src, info, func(path, name string) error {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", src, err)
	}
	return count, tw.Close()
}

// securePath rejects entries that would escape the destination root
// (zip-slip).
func securePath(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func readZip(src, dst string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", src, err)
	}
	defer zr.Close()

	var count int
	for _, f := range zr.File {
		target, err := securePath(dst, f.Name)
		if err != nil {
			return 0, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
			continue
		}
		if err := extractOne(target, f.Mode().Perm(), func() (io.ReadCloser, error) { return f.Open() }); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

func readTar(src, dst string, gzipped bool) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", src, err)
	}
	defer in.Close()

	var r io.Reader = in
	if gzipped {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return 0, fmt.Errorf("open archive %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
	}
	tr := tar.NewReader(r)

	var count int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read archive %s: %w", src, err)
		}
		target, err := securePath(dst, hdr.Name)
		if err != nil {
			return 0, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			perm := fs.FileMode(hdr.Mode).Perm()
			if err := extractOne(target, perm, func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			}); err != nil {
				return 0, err
			}
			count++
		}
	}
}

func extractOne(target string, perm fs.FileMode, open func() (io.ReadCloser, error)) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
