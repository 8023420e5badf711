package results

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// ArchiveBuilder streams artifacts into a zip archive and records a BLAKE3
// digest for each member.
//
// Not safe for concurrent use.
type ArchiveBuilder struct {
	zw        *zip.Writer
	artifacts []Artifact
	names     map[string]struct{}
	modified  time.Time
}

// NewArchiveBuilder writes the archive to w. modified is stamped on every
// entry so that archives of identical inputs are byte-identical.
func NewArchiveBuilder(w io.Writer, modified time.Time) *ArchiveBuilder {
	return &ArchiveBuilder{
		zw:       zip.NewWriter(w),
		names:    make(map[string]struct{}),
		modified: modified.UTC(),
	}
}

// Add copies r into a new member called name.
func (b *ArchiveBuilder) Add(name string, r io.Reader) (Artifact, error) {
	name, err := cleanMemberName(name)
	if err != nil {
		return Artifact{}, err
	}
	if _, dup := b.names[name]; dup {
		return Artifact{}, fmt.Errorf("archive: duplicate member %q", name)
	}

	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: b.modified,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("archive: create %s: %w", name, err)
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), r)
	if err != nil {
		return Artifact{}, fmt.Errorf("archive: write %s: %w", name, err)
	}

	a := Artifact{Name: name, Size: n, BLAKE3: hex.EncodeToString(hasher.Sum(nil))}
	b.names[name] = struct{}{}
	b.artifacts = append(b.artifacts, a)
	return a, nil
}

// AddFile adds the file at path under name.
func (b *ArchiveBuilder) AddFile(name, filePath string) (Artifact, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Artifact{}, fmt.Errorf("archive: %w", err)
	}
	defer func() { _ = f.Close() }()
	return b.Add(name, f)
}

// Artifacts returns the members written so far, sorted by name.
func (b *ArchiveBuilder) Artifacts() []Artifact {
	out := append([]Artifact(nil), b.artifacts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close writes the zip central directory. It does not close the underlying
// writer.
func (b *ArchiveBuilder) Close() error {
	return b.zw.Close()
}

func cleanMemberName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "", fmt.Errorf("archive: empty member name")
	}
	return name, nil
}

// DigestFile returns the size and hex BLAKE3 digest of a file.
func DigestFile(filePath string) (int64, string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = f.Close() }()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}
