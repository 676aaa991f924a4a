package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "gcodes"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSaveListAndDelete(t *testing.T) {
	m := newManager(t)
	if _, err := m.SaveFile("b.gcode", strings.NewReader("G28\n")); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	f, err := m.SaveFile("sub/a.gcode", strings.NewReader("G1 X1\nG1 X2\n"))
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if f.Size != 12 || f.Path != "sub/a.gcode" {
		t.Fatalf("saved %+v", f)
	}

	list, err := m.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(list) != 2 || list[0].Path != "b.gcode" || list[1].Path != "sub/a.gcode" {
		t.Fatalf("list %+v", list)
	}

	if err := m.DeleteFile("b.gcode"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if list, _ := m.ListFiles(); len(list) != 1 {
		t.Fatalf("list after delete %+v", list)
	}
}

func TestPathsCannotEscape(t *testing.T) {
	m := newManager(t)
	outside := filepath.Join(filepath.Dir(m.Dir()), "secret.gcode")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../secret.gcode", "", "gcodes/", "sub/../../secret.gcode"} {
		if _, err := m.Lines(name); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Lines(%q) = %v, want ErrInvalidPath", name, err)
		}
		if err := m.DeleteFile(name); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("DeleteFile(%q) = %v, want ErrInvalidPath", name, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("file outside the directory was touched")
	}
}

func TestLinesAreChunked(t *testing.T) {
	m := newManager(t)
	var sb strings.Builder
	total := chunkLines*2 + 10
	for i := 0; i < total; i++ {
		fmt.Fprintf(&sb, "G1 X%d\n", i)
	}
	if _, err := m.SaveFile("big.gcode", strings.NewReader(sb.String())); err != nil {
		t.Fatal(err)
	}

	chunks, err := m.Lines("gcodes/big.gcode")
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != sb.String() {
		t.Fatal("chunks do not reassemble the file")
	}

	if _, err := m.Lines("missing.gcode"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestMetadataFromHeader(t *testing.T) {
	m := newManager(t)
	body := ";FLAVOR:Griffin\n;PRINT.TIME:1200\n" +
		";EXTRUDER_TRAIN.0.NOZZLE.NAME:AA 0.4\n;EXTRUDER_TRAIN.0.MATERIAL.VOLUME_USED:100\n" +
		";END_OF_HEADER\nG28\n"
	if _, err := m.SaveFile("cube.gcode", strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}
	meta, err := m.GetMetadata("cube.gcode")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Flavor != "Griffin" || meta.PrintTime != 1200 || meta.Extruders != 1 || meta.Size != int64(len(body)) {
		t.Fatalf("metadata %+v", meta)
	}
}

func TestDiskUsageIsConsistent(t *testing.T) {
	u := newManager(t).DiskUsage()
	if u.Used+u.Free > u.Total {
		t.Fatalf("usage %+v", u)
	}
}
