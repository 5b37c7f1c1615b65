// Package jobconfig describes the job-level configuration a client pushes to a
// cluster during the connection handshake: the namespace the job runs in, the
// runtime environment the cluster should prepare, and free-form metadata.
//
// Configuration may be built programmatically or loaded from YAML or HCL files
// with LoadFile.
package jobconfig

import (
	"encoding/json"
	"fmt"
	"maps"
)

// JobConfig is the job configuration pushed to the cluster on connect.
// The zero value is valid and describes a job in the default namespace with
// no runtime environment.
type JobConfig struct {
	Namespace  string            `json:"namespace,omitempty" yaml:"namespace"`
	RuntimeEnv map[string]any    `json:"runtime_env,omitempty" yaml:"runtime_env"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// SetNamespace sets the namespace the job runs in.
func (c *JobConfig) SetNamespace(ns string) { c.Namespace = ns }

// SetRuntimeEnv replaces the runtime environment. The map is copied.
func (c *JobConfig) SetRuntimeEnv(env map[string]any) {
	if env == nil {
		c.RuntimeEnv = nil
		return
	}
	c.RuntimeEnv = maps.Clone(env)
}

// SerializedRuntimeEnv returns the runtime environment as JSON. An unset
// runtime environment serializes to "{}".
func (c *JobConfig) SerializedRuntimeEnv() (string, error) {
	if len(c.RuntimeEnv) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(c.RuntimeEnv)
	if err != nil {
		return "", fmt.Errorf("jobconfig: serialize runtime env: %w", err)
	}
	return string(b), nil
}

// NeedsInstall reports whether the runtime environment asks the cluster to
// install packages (pip or conda), which can delay the handshake considerably.
func (c *JobConfig) NeedsInstall() bool {
	if c == nil {
		return false
	}
	for _, k := range []string{"pip", "conda"} {
		if v, ok := c.RuntimeEnv[k]; ok && !isEmpty(v) {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy: maps are copied, nested runtime env values
// are shared.
func (c *JobConfig) Clone() *JobConfig {
	if c == nil {
		return &JobConfig{}
	}
	out := &JobConfig{Namespace: c.Namespace}
	if c.RuntimeEnv != nil {
		out.RuntimeEnv = maps.Clone(c.RuntimeEnv)
	}
	if c.Metadata != nil {
		out.Metadata = maps.Clone(c.Metadata)
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
