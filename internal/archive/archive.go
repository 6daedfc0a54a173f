// Package archive packs a directory tree into a timestamped zip file that is
// uploaded once and then discarded.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
)

// TimestampLayout is the time format embedded in archive names.
const TimestampLayout = "2006-01-02_15-04-05"

// DefaultPrefix names archives when no prefix is configured.
const DefaultPrefix = "spo_action"

// Name returns the archive file name {prefix}_{timestamp}.zip.
func Name(prefix string, at time.Time) string {
	return prefix + "_" + at.Format(TimestampLayout) + ".zip"
}

// Payload is a finished archive ready to be read exactly once.
type Payload struct {
	Name  string
	Size  int64
	Files int

	file *os.File
}

// Compile-time check to ensure Payload implements io.ReadCloser
var _ io.ReadCloser = (*Payload)(nil)

// Read reads the archive bytes.
func (p *Payload) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

// Close releases and removes the local archive file.
func (p *Payload) Close() error {
	closeErr := p.file.Close()
	if err := os.Remove(p.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if errors.Is(closeErr, os.ErrClosed) {
		return nil
	}
	return closeErr
}

// Path returns the location of the local archive file.
func (p *Payload) Path() string {
	return p.file.Name()
}

// Builder creates archives of Source.
type Builder struct {
	// Source is the directory to archive.
	Source string
	// Prefix starts every archive name.
	Prefix string
	// Exclude holds path.Match patterns matched against slash-separated
	// paths relative to Source and against base names.
	Exclude []string
	// TempDir receives the archive file, os.TempDir when empty.
	TempDir string
	// Now stamps the archive name, time.Now when nil.
	Now func() time.Time
}

// Build writes the archive and returns it positioned at its first byte.
// The caller must Close the payload.
func (b *Builder) Build(ctx context.Context) (*Payload, error) {
	if b.Source == "" {
		return nil, errors.New("archive source directory not set")
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for _, pattern := range b.Exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}

	source, err := filepath.Abs(b.Source)
	if err != nil {
		return nil, fmt.Errorf("resolving source: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", source)
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	name := Name(prefix, now())

	out, err := os.CreateTemp(b.TempDir, "*-"+name)
	if err != nil {
		return nil, fmt.Errorf("creating archive file: %w", err)
	}
	// Cleanup on all failure paths
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
			_ = os.Remove(out.Name())
		}
	}()

	self, err := filepath.Abs(out.Name())
	if err != nil {
		return nil, err
	}

	files, err := b.write(ctx, out, source, self)
	if err != nil {
		return nil, err
	}

	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "archive created", "name", name, "path", out.Name(), "files", files, "bytes", size)

	ok = true
	return &Payload{Name: name, Size: size, Files: files, file: out}, nil
}

func (b *Builder) write(ctx context.Context, out io.Writer, source, self string) (int, error) {
	zw := zip.NewWriter(out)
	files := 0

	walkErr := filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == source || p == self {
			return nil
		}

		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if b.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			header.Name = rel + "/"
			_, err = zw.CreateHeader(header)
			return err
		case info.Mode().IsRegular():
			if err := addFile(zw, p, rel, info); err != nil {
				return fmt.Errorf("adding %s: %w", rel, err)
			}
			files++
			return nil
		default:
			slog.DebugContext(ctx, "skipping non-regular file", "path", rel, "mode", info.Mode().String())
			return nil
		}
	})
	if walkErr != nil {
		_ = zw.Close()
		return 0, fmt.Errorf("archiving %s: %w", source, walkErr)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalizing archive: %w", err)
	}
	return files, nil
}

func (b *Builder) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range b.Exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func addFile(zw *zip.Writer, src, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(w, f)
	return err
}
