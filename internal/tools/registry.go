// Package tools provides the tool registry and the dispatcher: the sole
// path by which agent intent becomes external effect.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/sandbox"
)

// ErrUnknownTool reports a dispatch for a name nobody registered.
var ErrUnknownTool = errors.New("unknown tool")

// Built-in tool names. Built-ins are dispatched as tagged variants into
// the sandbox; everything else goes through the External interface.
const (
	ToolFSRead    = "fs.read"
	ToolFSWrite   = "fs.write"
	ToolFSDelete  = "fs.delete"
	ToolFSRename  = "fs.rename"
	ToolShellExec = "shell.exec"
	ToolNetFetch  = "net.fetch"
)

// External is a registrable tool. Externals run in-process but are still
// policy-gated and budget-charged like built-ins.
type External interface {
	// Name returns the tool name.
	Name() string
	// Capability returns the capability the tool requires.
	Capability() string
	// Intent builds the policy intent for a call.
	Intent(args map[string]interface{}) (policy.Intent, error)
	// Execute runs the tool and returns its output bytes.
	Execute(ctx context.Context, args map[string]interface{}) ([]byte, error)
}

// Registry holds registered external tools. Built-ins are always present.
type Registry struct {
	external map[string]External
}

// NewRegistry creates a registry with the default externals registered.
func NewRegistry() *Registry {
	r := &Registry{external: make(map[string]External)}
	r.Register(&fetchTool{})
	return r
}

// Register adds an external tool to the registry.
func (r *Registry) Register(t External) {
	r.external[t.Name()] = t
}

// Lookup resolves a name to either a built-in marker or an external tool.
func (r *Registry) Lookup(name string) (builtin bool, ext External, err error) {
	switch name {
	case ToolFSRead, ToolFSWrite, ToolFSDelete, ToolFSRename, ToolShellExec:
		return true, nil, nil
	}
	if t, ok := r.external[name]; ok {
		return false, t, nil
	}
	return false, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Capability returns the capability a tool requires.
func (r *Registry) Capability(name string) string {
	if t, ok := r.external[name]; ok {
		return t.Capability()
	}
	return policy.CapabilityForTool(name)
}

// builtinSpec translates built-in tool args into a sandbox spec.
func builtinSpec(name string, args map[string]interface{}) (sandbox.Spec, error) {
	spec := sandbox.Spec{}
	switch name {
	case ToolFSRead:
		spec.Kind = sandbox.KindFSRead
		spec.Path = stringArg(args, "path")
	case ToolFSWrite:
		spec.Kind = sandbox.KindFSWrite
		spec.Path = stringArg(args, "path")
		spec.Content = []byte(stringArg(args, "bytes"))
	case ToolFSDelete:
		spec.Kind = sandbox.KindFSDelete
		spec.Path = stringArg(args, "path")
	case ToolFSRename:
		spec.Kind = sandbox.KindFSRename
		spec.Path = stringArg(args, "path")
		spec.Dest = stringArg(args, "dest")
	case ToolShellExec:
		spec.Kind = sandbox.KindShellExec
		spec.Argv = argvArg(args)
		spec.EnvKeys = stringsArg(args, "env_keys")
	default:
		return spec, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if spec.Kind != sandbox.KindShellExec && spec.Path == "" {
		return spec, fmt.Errorf("%w: path is required for %s", policy.ErrInvalidIntent, name)
	}
	if spec.Kind == sandbox.KindShellExec && len(spec.Argv) == 0 {
		return spec, fmt.Errorf("%w: argv is required for %s", policy.ErrInvalidIntent, name)
	}
	return spec, nil
}

// builtinIntent builds the policy intent for a built-in call.
func builtinIntent(name string, spec sandbox.Spec) policy.Intent {
	intent := policy.Intent{Tool: name}
	switch spec.Kind {
	case sandbox.KindShellExec:
		intent.Argv = spec.Argv
	case sandbox.KindFSRename:
		// Renames are gated on the source; the sandbox confines both ends.
		intent.Path = spec.Path
	default:
		intent.Path = spec.Path
	}
	return intent
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func stringsArg(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func argvArg(args map[string]interface{}) []string {
	return stringsArg(args, "argv")
}

// fetchTool is the default external: an HTTP GET gated by net.egress.
type fetchTool struct{}

func (t *fetchTool) Name() string       { return ToolNetFetch }
func (t *fetchTool) Capability() string { return policy.CapNetEgress }

func (t *fetchTool) Intent(args map[string]interface{}) (policy.Intent, error) {
	raw := stringArg(args, "url")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return policy.Intent{}, fmt.Errorf("%w: url is required", policy.ErrInvalidIntent)
	}
	return policy.Intent{Tool: t.Name(), Host: u.Host}, nil
}

func (t *fetchTool) Execute(ctx context.Context, args map[string]interface{}) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stringArg(args, "url"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch failed: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
