// Package config loads run configuration files: per-node contexts, global
// state values and CLI surface options.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Glide/pkg/cli"
	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// File is a parsed run configuration.
//
//	contexts:
//	  extract:
//	    chunksize: 500
//	global:
//	  table: users
//	surface:
//	  blacklist: [conn, load_commit]
type File struct {
	Contexts map[string]map[string]any `yaml:"contexts"`
	Global   map[string]any            `yaml:"global"`
	Surface  Surface                   `yaml:"surface"`
}

// Surface holds the CLI surface options a file can set.
type Surface struct {
	Blacklist []string `yaml:"blacklist"`
}

// LoadFromPath reads and parses a configuration file.
func LoadFromPath(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

// Load parses a configuration document. Sections of the wrong YAML kind fail
// with InvalidConfiguration.
func Load(data []byte) (*File, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return &File{}, nil
	}
	if err := checkKinds(root.Content[0]); err != nil {
		return nil, err
	}

	var f File
	if err := root.Decode(&f); err != nil {
		return nil, glideerrors.InvalidConfiguration("decode config: %v", err)
	}
	return &f, nil
}

func checkKinds(doc *yaml.Node) error {
	if doc.Kind != yaml.MappingNode {
		return glideerrors.InvalidConfiguration("config must be a mapping, got %s", kindName(doc.Kind))
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i].Value, doc.Content[i+1]
		switch key {
		case "contexts":
			if err := expect(key, value, yaml.MappingNode); err != nil {
				return err
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				if err := expect("contexts."+value.Content[j].Value, value.Content[j+1], yaml.MappingNode); err != nil {
					return err
				}
			}
		case "global":
			if err := expect(key, value, yaml.MappingNode); err != nil {
				return err
			}
		case "surface":
			if err := expect(key, value, yaml.MappingNode); err != nil {
				return err
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				if value.Content[j].Value != "blacklist" {
					continue
				}
				list := value.Content[j+1]
				if err := expect("surface.blacklist", list, yaml.SequenceNode); err != nil {
					return err
				}
				for _, item := range list.Content {
					if err := expect("surface.blacklist entry", item, yaml.ScalarNode); err != nil {
						return err
					}
				}
			}
		default:
			return glideerrors.InvalidConfiguration("unknown config section %q", key)
		}
	}
	return nil
}

// expect allows an empty (null) value in place of any container.
func expect(path string, n *yaml.Node, kind yaml.Kind) error {
	if n.Kind == kind || (n.Kind == yaml.ScalarNode && n.Tag == "!!null") {
		return nil
	}
	return glideerrors.InvalidConfiguration("%s must be a %s, got %s", path, kindName(kind), kindName(n.Kind))
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	}
	return "unknown"
}

// NodeContexts returns the per-node context updates.
func (f *File) NodeContexts() map[string]pipeline.Context {
	out := make(map[string]pipeline.Context, len(f.Contexts))
	for node, ctx := range f.Contexts {
		out[node] = pipeline.Context(ctx).Clone()
	}
	return out
}

// Apply stores the global values in p's global state and checks that every
// context names a node of p.
func (f *File) Apply(p *pipeline.Pipeline) error {
	for node := range f.Contexts {
		if _, ok := p.Node(node); !ok {
			return glideerrors.UnknownNode(p.Name(), node)
		}
	}
	gs := p.GlobalState()
	for k, v := range f.Global {
		gs.Set(k, v)
	}
	return nil
}

// SurfaceOptions adds the file's blacklist to opts.
func (f *File) SurfaceOptions(opts cli.Options) cli.Options {
	opts.Blacklist = append(append([]string(nil), opts.Blacklist...), f.Surface.Blacklist...)
	return opts
}
