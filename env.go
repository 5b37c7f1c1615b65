package clusterclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Env holds connection defaults read from the environment.
type Env struct {
	// Address used by Builder when given "". ENV: CLUSTER_ADDRESS
	Address string `env:"CLUSTER_ADDRESS"`
	// Namespace applied unless the builder sets one. ENV: CLUSTER_NAMESPACE
	Namespace string `env:"CLUSTER_NAMESPACE"`
	// RuntimeEnv is a JSON object. ENV: CLUSTER_RUNTIME_ENV
	RuntimeEnv string `env:"CLUSTER_RUNTIME_ENV"`
}

// LoadEnv reads Env. Unset variables are not an error.
func LoadEnv() (Env, error) {
	var e Env
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, err
	}
	return e, nil
}

// RuntimeEnvMap decodes RuntimeEnv. It returns nil when unset.
func (e Env) RuntimeEnvMap() (map[string]any, error) {
	if e.RuntimeEnv == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(e.RuntimeEnv), &m); err != nil {
		return nil, fmt.Errorf("clusterclient: CLUSTER_RUNTIME_ENV: %w", err)
	}
	return m, nil
}
