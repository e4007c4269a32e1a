// Package schema extracts the OU catalog the coordinator generates
// tracing code from. A production build would parse C declarations that
// describe OUs directly out of the server's headers; this repository's
// collector instead reads a declarative YAML catalog that carries the
// same information (index, name, ordered feature fields, underlying
// primitive types) and preserves field order and packing exactly as
// declared: this is the only step in the pipeline that knows about OU
// catalogs at all.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PrimitiveType enumerates the primitive types a feature field may
// carry: bool, int32, int16, int64, float64, pointer-sized opaque,
// list-length.
type PrimitiveType string

const (
	TypeBool        PrimitiveType = "bool"
	TypeInt32       PrimitiveType = "int32"
	TypeInt16       PrimitiveType = "int16"
	TypeInt64       PrimitiveType = "int64"
	TypeFloat64     PrimitiveType = "float64"
	TypeOpaque      PrimitiveType = "opaque"
	TypeListLength  PrimitiveType = "list_length"
)

// valid is the closed set of primitive types schema.Validate accepts.
var valid = map[PrimitiveType]bool{
	TypeBool:       true,
	TypeInt32:      true,
	TypeInt16:      true,
	TypeInt64:      true,
	TypeFloat64:    true,
	TypeOpaque:     true,
	TypeListLength: true,
}

// FieldSpec is one ordered (name, type) pair in a feature or metric list.
type FieldSpec struct {
	Name string        `yaml:"name"`
	Type PrimitiveType `yaml:"type"`
}

// OU is one operating unit's catalog entry: a stable small integer index,
// a name, and an ordered feature field list. The metric field list is
// identical across every OU (see kernelsim.MetricSet) and is not
// redeclared per-OU here.
type OU struct {
	Index    int32       `yaml:"index"`
	Name     string      `yaml:"name"`
	Features []FieldSpec `yaml:"features"`
}

// Catalog is the parsed, ordered OU list. Order is preserved from the
// source file, matching the "preserving field order and packing"
// contract.
type Catalog struct {
	OUs []OU `yaml:"operating_units"`
}

// Load parses a YAML catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML catalog bytes and validates the result.
func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("schema.Parse: %w", err)
	}
	if err := Validate(&cat); err != nil {
		return nil, fmt.Errorf("schema.Parse: %w", err)
	}
	return &cat, nil
}

// Validate checks index uniqueness, non-empty names, and that every
// feature field's type is in the closed primitive-type set.
func Validate(cat *Catalog) error {
	seenIndex := make(map[int32]bool)
	seenName := make(map[string]bool)

	for _, ou := range cat.OUs {
		if ou.Name == "" {
			return fmt.Errorf("OU with index %d has an empty name", ou.Index)
		}
		if seenIndex[ou.Index] {
			return fmt.Errorf("duplicate OU index %d (name %q)", ou.Index, ou.Name)
		}
		seenIndex[ou.Index] = true
		if seenName[ou.Name] {
			return fmt.Errorf("duplicate OU name %q", ou.Name)
		}
		seenName[ou.Name] = true

		for _, f := range ou.Features {
			if f.Name == "" {
				return fmt.Errorf("OU %q has a feature field with an empty name", ou.Name)
			}
			if !valid[f.Type] {
				return fmt.Errorf("OU %q field %q has unknown type %q", ou.Name, f.Name, f.Type)
			}
		}
	}
	return nil
}

// ByName returns the OU with the given name, or false if none matches.
func (c *Catalog) ByName(name string) (OU, bool) {
	for _, ou := range c.OUs {
		if ou.Name == name {
			return ou, true
		}
	}
	return OU{}, false
}

// ByIndex returns the OU with the given index, or false if none matches.
func (c *Catalog) ByIndex(index int32) (OU, bool) {
	for _, ou := range c.OUs {
		if ou.Index == index {
			return ou, true
		}
	}
	return OU{}, false
}
