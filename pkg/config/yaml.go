package config

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Limits bounds the size and shape of a configuration document.
type Limits struct {
	MaxFileSize  int64 // Maximum document size in bytes (default: 1MB)
	MaxDepth     int   // Maximum nesting depth (default: 10)
	MaxNodes     int   // Maximum number of nodes (default: 1000)
	MaxKeyLength int   // Maximum key length in bytes (default: 256)
}

// DefaultLimits returns the limits used by LoadConfig.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:  1024 * 1024,
		MaxDepth:     10,
		MaxNodes:     1000,
		MaxKeyLength: 256,
	}
}

// decodeYAML checks data against limits, then decodes it into v. Unknown
// fields are rejected.
func decodeYAML(data []byte, v any, limits Limits) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("config file too large: %d bytes exceeds maximum %d bytes", len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if len(root.Content) == 0 {
		// Empty document: keep defaults.
		return nil
	}

	w := &nodeWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// readLimited reads at most limit+1 bytes so oversize input is detected
// without reading all of it.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("config file too large: exceeds maximum %d bytes", limit)
	}
	return data, nil
}

type nodeWalker struct {
	limits Limits
	nodes  int
}

func (w *nodeWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("config nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("config node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("config key length %d exceeds maximum %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		return fmt.Errorf("config aliases are not supported (line %d)", node.Line)
	}
	return nil
}
