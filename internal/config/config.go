// Package config loads and validates download configurations.
//
// A configuration is a YAML document with two top-level sections:
//
//	selection:
//	  year: ["2020"]
//	  month: ["01", "02"]
//	  variable: [temperature]
//
//	parameters:
//	  dataset: reanalysis-era5
//	  target_template: "era5/data-{}-{}.nc"
//	  partition_keys: [year, month]
//
// The parameters section may additionally contain named sub-mappings
// (parameter groups) holding provider-specific overrides such as alternate
// credentials. Group order is preserved from the document so that round-robin
// assignment across partitions is deterministic between runs.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration errors. These are fatal and surface
// before any partition is generated.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is a parsed download configuration.
type Config struct {
	Selection  map[string][]string
	Parameters Parameters
}

// Parameters holds the non-selection settings of a configuration.
type Parameters struct {
	Dataset        string
	TargetTemplate string
	PartitionKeys  []string
	ForceDownload  bool
	UserID         string

	// Extra holds provider-specific scalar settings (api_url, api_key, ...).
	Extra map[string]string

	// Groups are the named sub-mappings of the parameters section, in
	// document order.
	Groups []Group
}

// Group is a named overlay of provider-specific settings.
type Group struct {
	Name   string
	Values map[string]string
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document and validates it.
func Parse(r io.Reader) (*Config, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidConfig)
	}

	cfg := &Config{
		Selection: make(map[string][]string),
		Parameters: Parameters{
			Extra: make(map[string]string),
		},
	}

	var sawSelection, sawParameters bool
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "selection":
			sawSelection = true
			if err := parseSelection(val, cfg.Selection); err != nil {
				return nil, err
			}
		case "parameters":
			sawParameters = true
			if err := parseParameters(val, &cfg.Parameters); err != nil {
				return nil, err
			}
		}
	}

	if !sawSelection {
		return nil, fmt.Errorf("%w: missing selection section", ErrInvalidConfig)
	}
	if !sawParameters {
		return nil, fmt.Errorf("%w: missing parameters section", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseSelection(node *yaml.Node, out map[string][]string) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: selection must be a mapping", ErrInvalidConfig)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		values, err := stringList(val)
		if err != nil {
			return fmt.Errorf("%w: selection.%s: %v", ErrInvalidConfig, key.Value, err)
		}
		out[key.Value] = values
	}
	return nil
}

func parseParameters(node *yaml.Node, out *Parameters) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: parameters must be a mapping", ErrInvalidConfig)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "dataset":
			out.Dataset = val.Value
		case "target_template":
			out.TargetTemplate = val.Value
		case "partition_keys":
			keys, err := stringList(val)
			if err != nil {
				return fmt.Errorf("%w: parameters.partition_keys: %v", ErrInvalidConfig, err)
			}
			out.PartitionKeys = keys
		case "force_download":
			var b bool
			if err := val.Decode(&b); err != nil {
				return fmt.Errorf("%w: parameters.force_download: %v", ErrInvalidConfig, err)
			}
			out.ForceDownload = b
		case "user_id":
			out.UserID = val.Value
		default:
			switch val.Kind {
			case yaml.MappingNode:
				group := Group{Name: key.Value, Values: make(map[string]string)}
				for j := 0; j+1 < len(val.Content); j += 2 {
					group.Values[val.Content[j].Value] = val.Content[j+1].Value
				}
				out.Groups = append(out.Groups, group)
			case yaml.ScalarNode:
				out.Extra[key.Value] = val.Value
			default:
				return fmt.Errorf("%w: parameters.%s: unsupported value", ErrInvalidConfig, key.Value)
			}
		}
	}
	return nil
}

// stringList normalizes a scalar or sequence node to a list of strings.
func stringList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("expected scalar list items")
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected scalar or list")
	}
}

func (c *Config) validate() error {
	if len(c.Selection) == 0 {
		return fmt.Errorf("%w: selection section is empty", ErrInvalidConfig)
	}
	if c.Parameters.TargetTemplate == "" {
		return fmt.Errorf("%w: parameters.target_template is required", ErrInvalidConfig)
	}
	if len(c.Parameters.PartitionKeys) == 0 {
		return fmt.Errorf("%w: parameters.partition_keys is required", ErrInvalidConfig)
	}
	for _, key := range c.Parameters.PartitionKeys {
		if _, ok := c.Selection[key]; !ok {
			return fmt.Errorf("%w: partition key %q not present in selection", ErrInvalidConfig, key)
		}
	}
	return nil
}

// User returns the owner of this configuration's downloads.
func (p Parameters) User() string {
	if p.UserID == "" {
		return "unknown"
	}
	return p.UserID
}

// Clone returns a deep copy. Each partition derived from a configuration owns
// its own tree, so narrowing one partition's selection never leaks into
// another.
func (c *Config) Clone() *Config {
	out := &Config{
		Selection: make(map[string][]string, len(c.Selection)),
		Parameters: Parameters{
			Dataset:        c.Parameters.Dataset,
			TargetTemplate: c.Parameters.TargetTemplate,
			PartitionKeys:  append([]string(nil), c.Parameters.PartitionKeys...),
			ForceDownload:  c.Parameters.ForceDownload,
			UserID:         c.Parameters.UserID,
			Extra:          make(map[string]string, len(c.Parameters.Extra)),
		},
	}
	for k, v := range c.Selection {
		out.Selection[k] = append([]string(nil), v...)
	}
	for k, v := range c.Parameters.Extra {
		out.Parameters.Extra[k] = v
	}
	for _, g := range c.Parameters.Groups {
		values := make(map[string]string, len(g.Values))
		for k, v := range g.Values {
			values[k] = v
		}
		out.Parameters.Groups = append(out.Parameters.Groups, Group{Name: g.Name, Values: values})
	}
	return out
}

// ApplyGroup overlays a parameter group's values onto the provider-specific
// settings.
func (c *Config) ApplyGroup(g Group) {
	if c.Parameters.Extra == nil {
		c.Parameters.Extra = make(map[string]string, len(g.Values))
	}
	for k, v := range g.Values {
		c.Parameters.Extra[k] = v
	}
}
