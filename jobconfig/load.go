package jobconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned by LoadFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("jobconfig: unsupported file format")

// hclRoot is the top-level shape of an HCL job config file.
type hclRoot struct {
	Namespace  *string           `hcl:"namespace,optional"`
	RuntimeEnv cty.Value         `hcl:"runtime_env,optional"`
	Metadata   map[string]string `hcl:"metadata,optional"`
	Remain     hcl.Body          `hcl:",remain"`
}

// LoadFile reads a job config from path. The format is chosen by extension:
// .yaml / .yml are decoded with yaml.v3, .hcl with HCL v2.
func LoadFile(path string) (*JobConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobconfig: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(src)
	case ".hcl":
		return ParseHCL(path, src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ParseYAML decodes a YAML job config.
func ParseYAML(src []byte) (*JobConfig, error) {
	var cfg JobConfig
	if err := yaml.Unmarshal(src, &cfg); err != nil {
		return nil, fmt.Errorf("jobconfig: decode yaml: %w", err)
	}
	return &cfg, nil
}

// ParseHCL decodes an HCL job config. filename is used for diagnostics only.
func ParseHCL(filename string, src []byte) (*JobConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("jobconfig: parse hcl %s: %w", filename, diags)
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("jobconfig: decode hcl %s: %w", filename, diags)
	}

	cfg := &JobConfig{Metadata: root.Metadata}
	if root.Namespace != nil {
		cfg.Namespace = *root.Namespace
	}
	if !root.RuntimeEnv.IsNull() && root.RuntimeEnv.IsWhollyKnown() {
		env, err := ctyToMap(root.RuntimeEnv)
		if err != nil {
			return nil, fmt.Errorf("jobconfig: runtime_env in %s: %w", filename, err)
		}
		cfg.RuntimeEnv = env
	}
	return cfg, nil
}

// ctyToMap converts an HCL object value into plain Go values by way of its
// JSON form.
func ctyToMap(v cty.Value) (map[string]any, error) {
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("expected an object, got %s", v.Type().FriendlyName())
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
