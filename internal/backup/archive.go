package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

// ArchiveKind identifies an accepted multi-file upload format
type ArchiveKind string

const (
	ArchiveKindZip   ArchiveKind = "zip"
	ArchiveKindTar   ArchiveKind = "tar"
	ArchiveKindTarGz ArchiveKind = "tar.gz"
	ArchiveKindTarXz ArchiveKind = "tar.xz"
)

// archiveFormat pairs the exact suffix list of a format with its extractor
type archiveFormat struct {
	kind     ArchiveKind
	suffixes []string
	extract  func(src, dest string) error
}

var archiveFormats = []archiveFormat{
	{ArchiveKindZip, []string{".zip"}, extractZip},
	{ArchiveKindTar, []string{".tar"}, extractTarFile(nil)},
	{ArchiveKindTarGz, []string{".tar", ".gz"}, extractTarFile(func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	})},
	{ArchiveKindTarXz, []string{".tar", ".xz"}, extractTarFile(func(r io.Reader) (io.Reader, error) {
		return xz.NewReader(r)
	})},
}

// Suffixes returns every suffix of the base name of path, e.g. [".tar" ".gz"].
// Leading dots are ignored and a name ending in "." has none.
func Suffixes(path string) []string {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) || strings.HasSuffix(name, ".") {
		return nil
	}
	parts := strings.Split(strings.TrimLeft(name, "."), ".")
	if len(parts) < 2 {
		return nil
	}
	suffixes := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		suffixes = append(suffixes, "."+p)
	}
	return suffixes
}

// FinalSuffix returns the last suffix of the base name, or "" if there is none.
func FinalSuffix(path string) string {
	name := filepath.Base(path)
	i := strings.LastIndex(name, ".")
	if i > 0 && i < len(name)-1 {
		return name[i:]
	}
	return ""
}

// DetectArchive matches the complete suffix list of path against the
// supported formats. Partial matches such as "backup.old.tar" are rejected.
func DetectArchive(path string) (ArchiveKind, bool) {
	suffixes := Suffixes(path)
	for _, f := range archiveFormats {
		if slices.Equal(suffixes, f.suffixes) {
			return f.kind, true
		}
	}
	return "", false
}

// IsArchiveFilename reports whether path names a supported archive
func IsArchiveFilename(path string) bool {
	_, ok := DetectArchive(path)
	return ok
}

// ExtractArchive unpacks src into dest, which must already exist. Entries
// that would land outside dest are rejected with a validation error.
func ExtractArchive(kind ArchiveKind, src, dest string) error {
	for _, f := range archiveFormats {
		if f.kind == kind {
			return f.extract(src, dest)
		}
	}
	return NewUnsupportedFormatError(src)
}

func extractZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return NewStorageError("failed to open zip archive", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return err
		}

		mode := entry.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return NewStorageError("failed to create directory", err)
			}
		case mode.IsRegular():
			rc, err := entry.Open()
			if err != nil {
				return NewStorageError(fmt.Sprintf("failed to open zip entry %s", entry.Name), err)
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// extractTarFile returns an extractor for plain or compressed tar archives.
// Decompressors that hold resources are closed once the tar stream ends.
func extractTarFile(decompress func(io.Reader) (io.Reader, error)) func(src, dest string) error {
	return func(src, dest string) error {
		file, err := os.Open(src)
		if err != nil {
			return NewStorageError("failed to open tar archive", err)
		}
		defer file.Close()

		var r io.Reader = file
		if decompress != nil {
			if r, err = decompress(file); err != nil {
				return NewStorageError("failed to read compressed archive", err)
			}
			if c, ok := r.(io.Closer); ok {
				defer c.Close()
			}
		}
		return extractTar(tar.NewReader(r), dest)
	}
}

func extractTar(tr *tar.Reader, dest string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return NewStorageError("failed to read tar entry", err)
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		// Links and device nodes are skipped.
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return NewStorageError("failed to create directory", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

// safeJoin resolves an archive entry name under dest
func safeJoin(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", NewValidationError(fmt.Sprintf("illegal archive entry %q", name), nil)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewValidationError(fmt.Sprintf("archive entry %q escapes the destination", name), err)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return NewStorageError("failed to create directory", err)
	}
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", path), err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return NewStorageError(fmt.Sprintf("failed to write %s", path), err)
	}
	if err := out.Close(); err != nil {
		return NewStorageError(fmt.Sprintf("failed to close %s", path), err)
	}
	return nil
}

// PackTarXz writes the regular files and directories below srcDir into a
// new .tar.xz archive at destFile, with slash-separated relative names.
func PackTarXz(srcDir, destFile string) (err error) {
	if err := os.MkdirAll(filepath.Dir(destFile), 0755); err != nil {
		return NewStorageError("failed to create archive directory", err)
	}
	out, err := os.Create(destFile)
	if err != nil {
		return NewStorageError("failed to create archive", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = NewStorageError("failed to close archive", cerr)
		}
		if err != nil {
			os.Remove(destFile)
		}
	}()

	xw, err := xz.NewWriter(out)
	if err != nil {
		return NewStorageError("failed to create xz writer", err)
	}
	tw := tar.NewWriter(xw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return NewStorageError(fmt.Sprintf("failed to pack %s", srcDir), walkErr)
	}

	if err := tw.Close(); err != nil {
		return NewStorageError("failed to finish tar stream", err)
	}
	if err := xw.Close(); err != nil {
		return NewStorageError("failed to finish xz stream", err)
	}
	return nil
}
