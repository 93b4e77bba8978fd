package feature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk representation of a set of line pairs.
//
//	pairs:
//	  - start: {p0: {x: 10, y: 10}, p1: {x: 40, y: 10}}
//	    end:   {p0: {x: 12, y: 14}, p1: {x: 44, y: 18}}
type File struct {
	Pairs []Pair `json:"pairs" yaml:"pairs"`
}

// Load reads a JSON or YAML line file. The format is chosen by extension;
// anything other than .json is parsed as YAML.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("load lines %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a line file. ext selects the decoder (".json" or YAML otherwise).
func Parse(data []byte, ext string) (*Collection, error) {
	var f File
	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return NewCollection(f.Pairs...)
}

// Save writes the collection to path, as JSON for a .json extension and YAML otherwise.
func Save(path string, c *Collection) error {
	f := File{Pairs: c.Pairs()}
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(f, "", "  ")
	} else {
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
