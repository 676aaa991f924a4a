package materials

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
materials:
  - guid: 506c9f0d-e3aa-4bd4-b2d2-23e2425b1aa9
    brand: Generic
    type: PLA
    color: "#ffc924"
    name: Yellow PLA
    profile: profiles/pla.xml.fdm_material
  - guid: 60636bb4-518f-42e7-8237-fe77b194ebe0
    brand: Generic
    type: ABS
    color: "#8cb219"
    name: Green ABS
  - brand: Nameless
`

func TestLookupAndProfiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "profiles"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profiles", "pla.xml.fdm_material"), []byte("<fdmmaterial/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "materials.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 materials, got %d", c.Len())
	}

	m, ok := c.LookupMaterial("60636bb4-518f-42e7-8237-fe77b194ebe0")
	if !ok || m.Type != "ABS" || m.Color != "#8cb219" {
		t.Fatalf("unexpected lookup %+v %v", m, ok)
	}
	if _, ok := c.LookupMaterial("nope"); ok {
		t.Fatal("unknown guid resolved")
	}

	profiles, err := c.Profiles()
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].FileName != "pla.xml.fdm_material" || string(profiles[0].Data) != "<fdmmaterial/>" {
		t.Fatalf("unexpected profiles %+v", profiles)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil || c.Len() != 0 {
		t.Fatalf("expected empty catalog, got %v %v", c, err)
	}
}
