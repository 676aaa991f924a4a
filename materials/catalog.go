// Package materials is the read-only material catalog: GUID lookup for
// extruder snapshots and the profile files synced to printers.
package materials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/john/printlink/printer"
)

type entry struct {
	GUID    string `yaml:"guid"`
	Brand   string `yaml:"brand"`
	Type    string `yaml:"type"`
	Color   string `yaml:"color"`
	Name    string `yaml:"name"`
	Profile string `yaml:"profile"`
}

type catalogFile struct {
	Materials []entry `yaml:"materials"`
}

// Catalog maps material GUIDs to records.
type Catalog struct {
	dir    string
	byGUID map[string]entry
}

// Profile is one material profile file.
type Profile struct {
	GUID     string
	FileName string
	Data     []byte
}

// Empty returns a catalog that resolves nothing.
func Empty() *Catalog {
	return &Catalog{byGUID: make(map[string]entry)}
}

// Load reads a YAML catalog. Profile paths are relative to the catalog file.
// An empty path yields an empty catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading material catalog: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes catalog data. dir resolves relative profile paths.
func Parse(data []byte, dir string) (*Catalog, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing material catalog: %w", err)
	}
	c := &Catalog{dir: dir, byGUID: make(map[string]entry, len(cf.Materials))}
	for _, e := range cf.Materials {
		if e.GUID == "" {
			continue
		}
		c.byGUID[e.GUID] = e
	}
	return c, nil
}

// LookupMaterial implements appctx.MaterialLookup.
func (c *Catalog) LookupMaterial(guid string) (printer.Material, bool) {
	e, ok := c.byGUID[guid]
	if !ok {
		return printer.Material{}, false
	}
	return printer.Material{GUID: e.GUID, Brand: e.Brand, Type: e.Type, Color: e.Color, Name: e.Name}, true
}

// Len returns the number of materials.
func (c *Catalog) Len() int {
	return len(c.byGUID)
}

// Profiles reads every profile file referenced by the catalog, sorted by GUID.
// Entries without a profile are skipped.
func (c *Catalog) Profiles() ([]Profile, error) {
	guids := make([]string, 0, len(c.byGUID))
	for g, e := range c.byGUID {
		if e.Profile != "" {
			guids = append(guids, g)
		}
	}
	sort.Strings(guids)

	out := make([]Profile, 0, len(guids))
	for _, g := range guids {
		p := c.byGUID[g].Profile
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.dir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading profile for %s: %w", g, err)
		}
		out = append(out, Profile{GUID: g, FileName: filepath.Base(p), Data: data})
	}
	return out, nil
}
