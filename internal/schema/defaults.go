package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/MazinLab/picturec/pkg/store"
	"gopkg.in/yaml.v3"
)

// deviceGroups are the top-level document groups that live under device:.
var deviceGroups = map[string]bool{
	"hemtduino":    true,
	"currentduino": true,
	"ls240":        true,
	"sim921":       true,
	"sim960":       true,
}

// Defaults is a parsed defaults document: settings key -> raw value.
type Defaults struct {
	Version string
	Values  map[store.Key]string
}

// ParseDefaults reads a defaults document, a nested mapping of
// group -> setting -> value, e.g.
//
//	version: "1"
//	sim960:
//	  mode: manual
//	  pid:
//	    polarity: "-"
//
// Scalars are kept exactly as written so validation sees the operator's text.
func ParseDefaults(data []byte) (*Defaults, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	d := &Defaults{Values: make(map[store.Key]string)}
	if len(root.Content) == 0 {
		return d, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("defaults document must be a mapping")
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		name, value := doc.Content[i].Value, doc.Content[i+1]
		if name == "version" {
			d.Version = value.Value
			continue
		}
		prefix := name
		if deviceGroups[name] {
			prefix = "device:" + name
		}
		if err := flatten(prefix, value, d.Values); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func flatten(prefix string, node *yaml.Node, out map[store.Key]string) error {
	switch node.Kind {
	case yaml.ScalarNode:
		out[store.SettingKey(prefix)] = node.Value
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if err := flatten(prefix+":"+node.Content[i].Value, node.Content[i+1], out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value at %s: only nested mappings and scalars are allowed", prefix)
	}
}

// LoadDefaults reads a defaults document from disk.
func LoadDefaults(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}
	return ParseDefaults(data)
}

// WithDefaults returns a copy of the registry whose defaults are overridden
// by the document. Every value must name a known, persisted setting and pass
// validation; the original registry is left untouched.
func (r *Registry) WithDefaults(d *Defaults) (*Registry, error) {
	if d.Version != "" && d.Version != SchemaVersion {
		return nil, fmt.Errorf("defaults version %q does not match schema version %q", d.Version, SchemaVersion)
	}

	out := &Registry{
		entries: make(map[store.Key]Entry, len(r.entries)),
		order:   r.order,
	}
	for k, e := range r.entries {
		out.entries[k] = e
	}

	for key, raw := range d.Values {
		e, ok := out.entries[key]
		if !ok || !e.IsSetting() || e.CommandOnly {
			return nil, fmt.Errorf("defaults document names unknown setting %s", key)
		}
		if _, err := e.parse(raw); err != nil {
			return nil, fmt.Errorf("invalid default: %w", err)
		}
		e.Default = raw
		out.entries[key] = e
	}

	return out, nil
}

// Document renders the registry's defaults as a defaults document.
func (r *Registry) Document() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	appendPair(root, "version", scalar(SchemaVersion, true))

	for _, e := range r.Entries() {
		if !e.IsSetting() || e.CommandOnly {
			continue
		}
		segments := strings.Split(e.Key.Path(), ":")
		if segments[0] == "device" {
			segments = segments[1:]
		}

		parent := root
		for _, seg := range segments[:len(segments)-1] {
			parent = childMapping(parent, seg)
		}
		quoted := e.Kind == KindEnum || e.Kind == KindString
		appendPair(parent, segments[len(segments)-1], scalar(e.Default, quoted))
	}

	data, err := yaml.Marshal(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}})
	if err != nil {
		return nil, fmt.Errorf("failed to render defaults: %w", err)
	}
	return data, nil
}

func scalar(value string, quoted bool) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	if quoted {
		n.Style = yaml.DoubleQuotedStyle
	}
	return n
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
}

func childMapping(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key && m.Content[i+1].Kind == yaml.MappingNode {
			return m.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	appendPair(m, key, child)
	return child
}
