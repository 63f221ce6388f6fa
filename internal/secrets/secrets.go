// Package secrets resolves credential references for connector adapters.
// Values are returned to the caller and nowhere else; errors carry the
// ref, never the value.
package secrets

import (
	"context"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"

	"github.com/tandem-run/tandem/internal/core"
)

// Provider resolves a secret reference to its value.
type Provider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// vaultReader is the slice of the Vault logical API the resolver needs.
type vaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// Resolver handles env://NAME, file://path and vault://mount/path#field
// references. Anything else passes through as a literal.
type Resolver struct {
	vaultOnce sync.Once
	vault     vaultReader
	vaultErr  error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVaultReader injects a Vault logical reader. Without it the client
// is built lazily from the VAULT_ADDR and VAULT_TOKEN environment.
func WithVaultReader(r vaultReader) Option {
	return func(res *Resolver) {
		res.vault = r
		res.vaultOnce.Do(func() {})
	}
}

// New creates a resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the value behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env://"):
		name := strings.TrimPrefix(ref, "env://")
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", core.NewErrorf(core.CodeNotFound, "environment variable %s is not set", name)
		}
		return val, nil

	case strings.HasPrefix(ref, "file://"):
		path := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return "", core.WrapError(core.CodeNotFound, err, "failed to read secret file")
		}
		return strings.TrimSpace(string(data)), nil

	case strings.HasPrefix(ref, "vault://"):
		return r.resolveVault(ctx, ref)

	default:
		return ref, nil
	}
}

// resolveVault reads a KV v2 secret. The ref names the mount, the secret
// path within it, and the field: vault://secret/tandem/gmail#token reads
// secret/data/tandem/gmail and returns its "token" field.
func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	spec := strings.TrimPrefix(ref, "vault://")
	spec, field, ok := strings.Cut(spec, "#")
	if !ok || field == "" {
		return "", core.NewErrorf(core.CodeValidation, "vault ref %q needs a #field suffix", ref)
	}
	mount, path, ok := strings.Cut(spec, "/")
	if !ok || mount == "" || path == "" {
		return "", core.NewErrorf(core.CodeValidation, "vault ref %q must be vault://mount/path#field", ref)
	}

	reader, err := r.client()
	if err != nil {
		return "", err
	}

	secret, err := reader.ReadWithContext(ctx, mount+"/data/"+path)
	if err != nil {
		return "", core.WrapError(core.CodeRetryable, err, "vault read failed")
	}
	if secret == nil {
		return "", core.NewErrorf(core.CodeNotFound, "no secret at %s/%s", mount, path)
	}

	// KV v2 nests the payload under "data".
	data, _ := secret.Data["data"].(map[string]any)
	val, ok := data[field].(string)
	if !ok {
		return "", core.NewErrorf(core.CodeNotFound, "secret %s/%s has no field %q", mount, path, field)
	}
	return val, nil
}

func (r *Resolver) client() (vaultReader, error) {
	r.vaultOnce.Do(func() {
		client, err := vault.NewClient(vault.DefaultConfig())
		if err != nil {
			r.vaultErr = core.WrapError(core.CodeFatal, err, "failed to build vault client")
			return
		}
		r.vault = client.Logical()
	})
	if r.vaultErr != nil {
		return nil, r.vaultErr
	}
	return r.vault, nil
}
