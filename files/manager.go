// Package files serves sliced jobs from a local gcode directory.
package files

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/john/printlink/gcode"
)

// chunkLines is how many lines go into one element of a job's line slice.
const chunkLines = 2048

// ErrInvalidPath is returned for names that escape the gcode directory.
var ErrInvalidPath = errors.New("invalid path")

// File describes a stored job.
type File struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Metadata is what the slicer left in a file's header.
type Metadata struct {
	File
	Flavor     string  `json:"flavor,omitempty"`
	PrintTime  float64 `json:"estimated_time,omitempty"`
	FilamentMM float64 `json:"filament_total,omitempty"`
	Extruders  int     `json:"extruders"`
}

// DiskUsage is the state of the filesystem holding the directory.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// Manager handles local gcode file storage.
type Manager struct {
	gcodeDir string
}

// NewManager creates a file manager with the given gcode directory.
func NewManager(gcodeDir string) (*Manager, error) {
	if err := os.MkdirAll(gcodeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating gcode dir %s: %w", gcodeDir, err)
	}
	return &Manager{gcodeDir: gcodeDir}, nil
}

// Dir returns the gcode directory.
func (m *Manager) Dir() string { return m.gcodeDir }

// resolve maps a slash-separated name to a path inside the directory.
func (m *Manager) resolve(name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "gcodes/")
	if name == "" {
		return "", ErrInvalidPath
	}
	path := filepath.Join(m.gcodeDir, filepath.FromSlash(name))
	absRoot, err := filepath.Abs(m.gcodeDir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if absPath == absRoot || !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, name)
	}
	return absPath, nil
}

// ListFiles returns every file below the directory ordered by path.
func (m *Manager) ListFiles() ([]File, error) {
	result := []File{}
	err := filepath.Walk(m.gcodeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		relPath, _ := filepath.Rel(m.gcodeDir, path)
		result = append(result, File{
			Path:     filepath.ToSlash(relPath),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", m.gcodeDir, err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// Lines reads a job as the chunked line slice a device session uploads.
func (m *Manager) Lines(name string) ([]string, error) {
	path, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", name)
	}
	defer f.Close()
	return ReadLines(f)
}

// ReadLines splits r into chunks of chunkLines newline-terminated lines.
func ReadLines(r io.Reader) ([]string, error) {
	var (
		chunks []string
		sb     strings.Builder
		n      int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
		n++
		if n == chunkLines {
			chunks = append(chunks, sb.String())
			sb.Reset()
			n = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks, nil
}

// GetMetadata returns header metadata for a specific file.
func (m *Manager) GetMetadata(name string) (Metadata, error) {
	path, err := m.resolve(name)
	if err != nil {
		return Metadata{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("file not found: %s", name)
	}
	meta := Metadata{File: File{Path: filepath.ToSlash(name), Size: info.Size(), Modified: info.ModTime()}}

	head, err := readHead(path, 16384)
	if err != nil {
		return meta, nil
	}
	scanned := gcode.Scan([]string{head})
	meta.Flavor = scanned.Flavor
	meta.PrintTime = scanned.PrintTime
	meta.FilamentMM = scanned.FilamentMM
	if scanned.Configuration != nil {
		meta.Extruders = len(scanned.Configuration.Extruders)
	}
	return meta, nil
}

// readHead returns up to n leading bytes, cut at the last full line.
func readHead(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	head := string(buf[:read])
	if read == n {
		if i := strings.LastIndexByte(head, '\n'); i >= 0 {
			head = head[:i]
		}
	}
	return head, nil
}

// SaveFile writes r to name, replacing an existing file.
func (m *Manager) SaveFile(name string, r io.Reader) (File, error) {
	path, err := m.resolve(name)
	if err != nil {
		return File{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return File{}, fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return File{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return File{}, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return File{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return File{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	return File{Path: filepath.ToSlash(name), Size: info.Size(), Modified: info.ModTime()}, nil
}

// DeleteFile removes a file from storage.
func (m *Manager) DeleteFile(name string) error {
	path, err := m.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// DiskUsage reports the filesystem holding the gcode directory.
func (m *Manager) DiskUsage() DiskUsage {
	return statDisk(m.gcodeDir)
}
