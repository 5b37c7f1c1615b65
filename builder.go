package clusterclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/ggoodman/clusterclient-go/credentials"
	"github.com/ggoodman/clusterclient-go/jobconfig"
	"github.com/ggoodman/clusterclient-go/session"
	"github.com/invopop/jsonschema"
)

// Scheme is the only address scheme Builder accepts.
const Scheme = "cluster"

// LocalAddress asks Builder to start an embedded cluster.
const LocalAddress = "local"

// InitOptions are the settings forwarded to the cluster's init call. Builder
// rejects keys that do not correspond to a field here.
type InitOptions struct {
	NumCPUs           *int               `json:"num_cpus,omitempty"`
	NumGPUs           *int               `json:"num_gpus,omitempty"`
	Resources         map[string]float64 `json:"resources,omitempty"`
	ObjectStoreMemory *int64             `json:"object_store_memory,omitempty"`
	DashboardHost     string             `json:"dashboard_host,omitempty"`
	DashboardPort     *int               `json:"dashboard_port,omitempty"`
	LoggingLevel      string             `json:"logging_level,omitempty"`
	LogToDriver       *bool              `json:"log_to_driver,omitempty"`
	Labels            map[string]string  `json:"labels,omitempty"`
}

var initOptionKeys = func() map[string]bool {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(new(InitOptions))
	keys := make(map[string]bool)
	if s != nil && s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			keys[el.Key] = true
		}
	}
	return keys
}()

// Builder configures and opens one session. Setters record the first error
// they hit; Connect reports it.
type Builder struct {
	cl            *Client
	address       string
	local         bool
	job           *jobconfig.JobConfig
	opts          session.ConnectOptions
	allowMultiple bool
	initKeys      []string
	err           error
}

// Builder returns a Builder for address. Accepted forms are "" (the
// CLUSTER_ADDRESS default, else an embedded cluster), "local", "host:port"
// and "cluster://host:port".
func (cl *Client) Builder(address string) *Builder {
	b := &Builder{cl: cl, job: &jobconfig.JobConfig{}}
	env, err := LoadEnv()
	if err != nil {
		b.err = err
		return b
	}
	if address == "" {
		address = env.Address
	}
	b.address, b.local, b.err = parseAddress(address)
	if b.err != nil {
		return b
	}
	if env.Namespace != "" {
		b.job.SetNamespace(env.Namespace)
	}
	re, err := env.RuntimeEnvMap()
	if err != nil {
		b.err = err
		return b
	}
	if re != nil {
		b.job.SetRuntimeEnv(re)
	}
	return b
}

func parseAddress(address string) (addr string, local bool, err error) {
	if address == "" || address == LocalAddress {
		return "", true, nil
	}
	scheme, inner, ok := strings.Cut(address, "://")
	if !ok {
		return address, false, nil
	}
	if scheme != Scheme {
		return "", false, fmt.Errorf("%w: %q in %q", ErrUnknownScheme, scheme, address)
	}
	if inner == "" {
		return "", false, fmt.Errorf("clusterclient: empty address in %q", address)
	}
	return inner, false, nil
}

// Env sets the runtime environment of the session.
func (b *Builder) Env(env map[string]any) *Builder {
	b.job.SetRuntimeEnv(env)
	return b
}

// Namespace sets the session namespace.
func (b *Builder) Namespace(ns string) *Builder {
	b.job.SetNamespace(ns)
	return b
}

// Credentials sets the bearer token source for dial attempts.
func (b *Builder) Credentials(src credentials.Source) *Builder {
	b.opts.Credentials = src
	return b
}

// Secure dials over TLS. A nil cfg uses system defaults.
func (b *Builder) Secure(cfg *tls.Config) *Builder {
	b.opts.Secure = true
	b.opts.TLSConfig = cfg
	return b
}

// Metadata is sent with every dial attempt.
func (b *Builder) Metadata(md map[string]string) *Builder {
	b.opts.Metadata = md
	return b
}

// Retries sets the dial attempt budget.
func (b *Builder) Retries(n int) *Builder {
	b.opts.Retries = n
	return b
}

// IgnoreVersion downgrades handshake version mismatches to warnings.
func (b *Builder) IgnoreVersion() *Builder {
	b.opts.IgnoreVersion = true
	return b
}

// AllowMultiple connects on a new session instead of the active one, so
// several sessions may be live at once.
func (b *Builder) AllowMultiple() *Builder {
	b.allowMultiple = true
	return b
}

// InitArgs applies generic init arguments. "namespace", "runtime_env" and
// "allow_multiple" configure the builder; every other key must be an
// InitOptions field and is forwarded to the cluster.
func (b *Builder) InitArgs(args map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	rest := make(map[string]any, len(args))
	for k, v := range args {
		rest[k] = v
	}
	if ns, ok := rest["namespace"].(string); ok {
		b.Namespace(ns)
		delete(rest, "namespace")
	}
	if re, ok := rest["runtime_env"].(map[string]any); ok {
		b.Env(re)
		delete(rest, "runtime_env")
	}
	if am, ok := rest["allow_multiple"].(bool); ok {
		if am {
			b.allowMultiple = true
		}
		delete(rest, "allow_multiple")
	}
	if len(rest) == 0 {
		return b
	}

	var extra []string
	for k := range rest {
		if !initOptionKeys[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		b.err = fmt.Errorf("%w: %s", ErrUnexpectedInitArgs, strings.Join(extra, ", "))
		return b
	}
	raw, err := json.Marshal(rest)
	if err != nil {
		b.err = fmt.Errorf("clusterclient: encode init args: %w", err)
		return b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var typed InitOptions
	if err := dec.Decode(&typed); err != nil {
		b.err = fmt.Errorf("clusterclient: init args: %w", err)
		return b
	}
	if b.opts.InitOptions == nil {
		b.opts.InitOptions = make(map[string]any, len(rest))
	}
	for k, v := range rest {
		b.opts.InitOptions[k] = v
		b.initKeys = append(b.initKeys, k)
	}
	return b
}

// Connect opens the session and returns a guard for it. Without
// AllowMultiple the session active for ctx is used, and connecting fails
// with ErrMultipleClientsActive while AllowMultiple sessions are live and
// the active session is not connected. With AllowMultiple a new session is
// opened and the active session for ctx is left unchanged.
func (b *Builder) Connect(ctx context.Context) (*ManagedContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	cl := b.cl
	if !b.allowMultiple && !cl.IsConnected(ctx) && cl.NumConnected() > 0 {
		return nil, ErrMultipleClientsActive
	}

	var target *session.Context
	if b.allowMultiple {
		target = cl.reg.NewContext()
	} else {
		target = cl.Context(ctx)
	}

	if len(b.initKeys) > 0 {
		keys := slices.Clone(b.initKeys)
		slices.Sort(keys)
		keys = slices.Compact(keys)
		cl.log.InfoContext(ctx, "builder.init_args", slog.String("keys", strings.Join(keys, ", ")))
	}

	opts := b.opts
	opts.JobConfig = b.job.Clone()
	if b.local {
		if _, err := target.Init(ctx, opts); err != nil {
			return nil, err
		}
	} else if _, err := target.Connect(ctx, b.address, opts); err != nil {
		return nil, err
	}
	return cl.Manage(target), nil
}
