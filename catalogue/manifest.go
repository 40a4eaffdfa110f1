package catalogue

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/quicplug/quicplug/wire"
)

// Manifest is the serialized form of a catalogue, as shipped to plugin
// authors. It is the document both sides compile against; the schema returned
// by ManifestSchema describes it for tooling.
type Manifest struct {
	Version    uint32              `yaml:"version" json:"version" validate:"required"`
	Operations []ManifestOperation `yaml:"operations" json:"operations" validate:"required,dive"`
}

// ManifestOperation is one catalogue entry in manifest form. Parameter and
// result types use the textual kind names of the wire package ("u64", "bytes",
// ...).
type ManifestOperation struct {
	ID            uint64   `yaml:"id" json:"id"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Params        []string `yaml:"params,omitempty" json:"params,omitempty"`
	Results       []string `yaml:"results,omitempty" json:"results,omitempty"`
	AlwaysEnabled bool     `yaml:"always_enabled,omitempty" json:"always_enabled,omitempty"`
}

// Load parses and validates a YAML catalogue manifest.
func Load(data []byte) (*Catalogue, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("catalogue: failed to parse manifest: %w", err)
	}
	return FromManifest(&m)
}

// FromManifest builds a catalogue from a parsed manifest.
func FromManifest(m *Manifest) (*Catalogue, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("catalogue: invalid manifest: %w", err)
	}
	ops := make([]Operation, 0, len(m.Operations))
	for _, mo := range m.Operations {
		op := Operation{
			ID:            OperationID(mo.ID),
			Name:          mo.Name,
			AlwaysEnabled: mo.AlwaysEnabled,
		}
		var err error
		if op.Params, err = parseKinds(mo.Params); err != nil {
			return nil, fmt.Errorf("catalogue: operation %#x params: %w", mo.ID, err)
		}
		if op.Results, err = parseKinds(mo.Results); err != nil {
			return nil, fmt.Errorf("catalogue: operation %#x results: %w", mo.ID, err)
		}
		ops = append(ops, op)
	}
	return New(m.Version, ops)
}

// ToManifest returns the manifest form of the catalogue.
func (c *Catalogue) ToManifest() *Manifest {
	m := &Manifest{Version: c.version}
	for _, op := range c.ops {
		m.Operations = append(m.Operations, ManifestOperation{
			ID:            uint64(op.ID),
			Name:          op.Name,
			Params:        kindNamesOf(op.Params),
			Results:       kindNamesOf(op.Results),
			AlwaysEnabled: op.AlwaysEnabled,
		})
	}
	return m
}

// MarshalManifest serializes the catalogue back into manifest YAML.
func (c *Catalogue) MarshalManifest() ([]byte, error) {
	return yaml.Marshal(c.ToManifest())
}

// ManifestSchema generates the JSON Schema describing the manifest document.
func ManifestSchema() ([]byte, error) {
	s := jsonschema.Reflect(&Manifest{})
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("catalogue: failed to marshal schema: %w", err)
	}
	return data, nil
}

func parseKinds(names []string) ([]wire.Kind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kinds := make([]wire.Kind, 0, len(names))
	for _, n := range names {
		k, ok := wire.KindFromName(n)
		if !ok {
			return nil, fmt.Errorf("unknown type name %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func kindNamesOf(kinds []wire.Kind) []string {
	if len(kinds) == 0 {
		return nil
	}
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return names
}
