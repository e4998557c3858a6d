package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drblury/nodeflow/internal/runtime/jsoncodec"
)

// LoadNode reads a single node description from a .yaml, .yml or .json file.
func LoadNode(path string) (Node, error) {
	var n Node
	if err := loadFile(path, &n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// LoadDataflow reads a dataflow description from a .yaml, .yml or .json file.
func LoadDataflow(path string) (Dataflow, error) {
	var d Dataflow
	if err := loadFile(path, &d); err != nil {
		return Dataflow{}, err
	}
	return d, nil
}

// ParseNodeYAML parses a node description.
func ParseNodeYAML(data []byte) (Node, error) {
	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("parse yaml: %w", err)
	}
	return n, nil
}

// ParseDataflowYAML parses a dataflow description.
func ParseDataflowYAML(data []byte) (Dataflow, error) {
	var d Dataflow
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Dataflow{}, fmt.Errorf("parse yaml: %w", err)
	}
	return d, nil
}

// ParseDataflowJSON parses a dataflow description.
func ParseDataflowJSON(data []byte) (Dataflow, error) {
	var d Dataflow
	if err := jsoncodec.Unmarshal(data, &d); err != nil {
		return Dataflow{}, fmt.Errorf("parse json: %w", err)
	}
	return d, nil
}

func loadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read topology file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := jsoncodec.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported topology file extension: %s", ext)
	}
	return nil
}
