// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML document into a token tree. Mapping key order is
// preserved and anchors/aliases are resolved.
func Parse(data []byte) (*Token, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return Null(), nil
	}
	return fromNode(root.Content[0])
}

func fromNode(n *yaml.Node) (*Token, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.ScalarNode:
		return fromScalar(n)
	case yaml.SequenceNode:
		seq := NewSequence()
		for _, item := range n.Content {
			t, err := fromNode(item)
			if err != nil {
				return nil, err
			}
			seq.Append(t)
		}
		return seq, nil
	case yaml.MappingNode:
		m := NewMapping()
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode := n.Content[i]
			if keyNode.Kind == yaml.AliasNode {
				keyNode = keyNode.Alias
			}
			if keyNode.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", keyNode.Line)
			}
			if _, exists := m.Get(keyNode.Value); exists {
				return nil, fmt.Errorf("line %d: duplicate mapping key %q", keyNode.Line, keyNode.Value)
			}
			val, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(keyNode.Value, val)
		}
		return m, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return fromNode(n.Content[0])
	default:
		return nil, fmt.Errorf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
	}
}

func fromScalar(n *yaml.Node) (*Token, error) {
	switch n.Tag {
	case "!!null", "":
		if n.Tag == "" && n.Value != "" {
			return String(n.Value), nil
		}
		return Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			// YAML 1.1 booleans like "yes"/"no"
			switch n.Value {
			case "yes", "Yes", "YES", "on", "On", "ON":
				return Bool(true), nil
			case "no", "No", "NO", "off", "Off", "OFF":
				return Bool(false), nil
			}
			return nil, fmt.Errorf("line %d: invalid boolean %q", n.Line, n.Value)
		}
		return Bool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid integer %q", n.Line, n.Value)
		}
		return Number(float64(i)), nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid float %q", n.Line, n.Value)
		}
		return Number(f), nil
	case "!!str", "!!timestamp":
		return String(n.Value), nil
	default:
		return String(n.Value), nil
	}
}
