package remotefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// Join joins remote path elements with forward slashes regardless of the
// local OS.
func Join(base, name string) string {
	if base == "" {
		return name
	}
	if name == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}

// Base returns the last element of a remote path.
func Base(p string) string {
	return path.Base(p)
}

// Entry describes a file or directory on the remote host.
type Entry struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	IsDir         bool      `json:"isDir"`
	IsSymlink     bool      `json:"isSymlink"`
	SymlinkTarget string    `json:"symlinkTarget,omitempty"`
	Size          int64     `json:"size"`
	Mode          string    `json:"mode"`
	ModifiedTime  time.Time `json:"modifiedTime"`
}

// List reads a remote directory. Directories come first, then files, each
// group ordered case-insensitively by name. An empty dir lists the working
// directory.
func List(fs FS, dir string) ([]Entry, error) {
	if dir == "" {
		dir = "."
	}

	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	baseDir := dir
	if dir == "." {
		if wd, err := fs.Getwd(); err == nil && wd != "" {
			baseDir = wd
		}
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		full := info.Name()
		if baseDir != "." {
			full = path.Clean(Join(baseDir, info.Name()))
		}

		entry := Entry{
			Name:         info.Name(),
			Path:         full,
			IsDir:        info.IsDir(),
			Size:         info.Size(),
			Mode:         info.Mode().String(),
			ModifiedTime: info.ModTime(),
		}
		if info.Mode()&os.ModeSymlink != 0 {
			entry.IsSymlink = true
			if target, err := fs.ReadLink(full); err == nil {
				entry.SymlinkTarget = target
			}
			if st, err := fs.Stat(full); err == nil {
				entry.IsDir = st.IsDir()
			}
		}
		entries = append(entries, entry)
	}

	SortEntries(entries)
	return entries, nil
}

// SortEntries orders directories before files, names case-insensitively.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// Exists reports whether p exists.
func Exists(fs FS, p string) (bool, error) {
	_, err := fs.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Remove deletes a file or directory. Directories need recursive to be set
// unless they are empty.
func Remove(fs FS, p string, recursive bool) error {
	st, err := fs.Lstat(p)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !st.IsDir() {
		if err := fs.Remove(p); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", p, err)
		}
		return nil
	}
	if !recursive {
		if err := fs.RemoveDirectory(p); err != nil {
			return fmt.Errorf("failed to remove directory %s: %w", p, err)
		}
		return nil
	}
	return removeAll(fs, p)
}

func removeAll(fs FS, dir string) error {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	for _, info := range infos {
		full := Join(dir, info.Name())
		if info.IsDir() {
			if err := removeAll(fs, full); err != nil {
				return err
			}
			continue
		}
		if err := fs.Remove(full); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", full, err)
		}
	}
	if err := fs.RemoveDirectory(dir); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", dir, err)
	}
	return nil
}

// Rename moves oldPath to newPath, refusing to overwrite.
func Rename(fs FS, oldPath, newPath string) error {
	if exists, err := Exists(fs, newPath); err != nil {
		return fmt.Errorf("failed to stat %s: %w", newPath, err)
	} else if exists {
		return fmt.Errorf("cannot rename %s: %s already exists", oldPath, newPath)
	}
	if err := fs.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// CreateEmpty creates a zero-length file, refusing to truncate an existing one.
func CreateEmpty(fs FS, p string) error {
	if exists, err := Exists(fs, p); err != nil {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	} else if exists {
		return fmt.Errorf("cannot create %s: already exists", p)
	}
	f, err := fs.Create(p)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	return f.Close()
}

// MakeDir creates a directory, with parents when parents is set.
func MakeDir(fs FS, p string, parents bool) error {
	var err error
	if parents {
		err = fs.MkdirAll(p)
	} else {
		err = fs.Mkdir(p)
	}
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	return nil
}

// ReadFile returns the contents of a small remote file.
func ReadFile(fs FS, p string) ([]byte, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", p, err)
	}
	return data, nil
}

// WriteFile creates or truncates p and writes data to it.
func WriteFile(fs FS, p string, data []byte) error {
	f, err := fs.Create(p)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", p, err)
	}
	return f.Close()
}
