package content

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Directory names below the library root.
const (
	ImportedDirName = "Inbox"
	DropboxDirName  = "Dropbox"
)

// materialSeparator joins a file name and its digest in a shared-materials item.
const materialSeparator = "/md5Hex="

// Material identifies a shared presentation by name and content digest.
type Material struct {
	Name string
	MD5  string
}

// String formats the material as "<name>/md5Hex=<digest>".
func (m Material) String() string {
	return m.Name + materialSeparator + m.MD5
}

// ParseMaterial splits a shared-materials item. Items without a digest
// yield a Material with an empty MD5.
func ParseMaterial(item string) Material {
	name, digest, found := strings.Cut(item, materialSeparator)
	if !found {
		return Material{Name: strings.TrimSpace(item)}
	}
	return Material{Name: strings.TrimSpace(name), MD5: strings.TrimSpace(digest)}
}

// Library is the on-disk presentation store. The root holds shared files;
// Inbox holds imported files and Dropbox is a staging area.
type Library struct {
	root string
}

// NewLibrary returns a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{root: dir}
}

// SharedDir returns the directory received and shared presentations live in.
func (l *Library) SharedDir() string { return l.root }

// ImportedDir returns the imported presentations directory.
func (l *Library) ImportedDir() string { return filepath.Join(l.root, ImportedDirName) }

// DropboxDir returns the dropbox staging directory.
func (l *Library) DropboxDir() string { return filepath.Join(l.root, DropboxDirName) }

// EnsureDirs creates the library directories.
func (l *Library) EnsureDirs() error {
	for _, dir := range []string{l.SharedDir(), l.ImportedDir(), l.DropboxDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create library dir: %w", err)
		}
	}
	return nil
}

// cleanName reduces a presentation name to its base file name so peers
// cannot address files outside the library.
func cleanName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.TrimSpace(name)))
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// Path finds a presentation by name, looking in the shared, imported and
// dropbox directories in that order.
func (l *Library) Path(name string) (string, bool) {
	name = cleanName(name)
	if name == "" {
		return "", false
	}
	for _, dir := range []string{l.SharedDir(), l.ImportedDir(), l.DropboxDir()} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Digest returns the MD5 hex digest of the named presentation.
func (l *Library) Digest(name string) (string, error) {
	path, ok := l.Path(name)
	if !ok {
		return "", fmt.Errorf("presentation %q: %w", name, os.ErrNotExist)
	}
	return FileDigest(path)
}

// Material returns the shared-materials identifier of a presentation. A
// missing file yields an empty digest.
func (l *Library) Material(name string) Material {
	digest, _ := l.Digest(name)
	return Material{Name: cleanName(name), MD5: digest}
}

// Available reports whether the material exists locally with the same,
// non-empty digest.
func (l *Library) Available(m Material) bool {
	if m.MD5 == "" {
		return false
	}
	digest, err := l.Digest(m.Name)
	if err != nil || digest == "" {
		return false
	}
	return strings.EqualFold(digest, m.MD5)
}

// Import moves a received file into the shared directory under name,
// replacing any existing file. It returns the final path.
func (l *Library) Import(src, name string) (string, error) {
	name = cleanName(name)
	if name == "" {
		return "", errors.New("import: empty presentation name")
	}
	if err := os.MkdirAll(l.SharedDir(), 0755); err != nil {
		return "", fmt.Errorf("import: %w", err)
	}

	dst := filepath.Join(l.SharedDir(), name)
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	// Rename fails across file systems; fall back to copy and remove
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	os.Remove(src)
	return dst, nil
}

// Add copies a presentation into the shared directory unless it already
// lives in the library. It returns the name to share it under.
func (l *Library) Add(path string) (string, error) {
	name := cleanName(path)
	if name == "" {
		return "", errors.New("add: empty presentation name")
	}
	if existing, ok := l.Path(name); ok && sameFile(existing, path) {
		return name, nil
	}
	if err := os.MkdirAll(l.SharedDir(), 0755); err != nil {
		return "", fmt.Errorf("add: %w", err)
	}
	if err := copyFile(path, filepath.Join(l.SharedDir(), name)); err != nil {
		return "", fmt.Errorf("add %s: %w", name, err)
	}
	return name, nil
}

// List returns the names of the files in the shared directory.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.SharedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FileDigest returns the MD5 hex digest of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".import-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
