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

// Package credentials resolves the API keys a CLI worker binary needs
// on its environment (e.g. ANTHROPIC_API_KEY, OPENAI_API_KEY) from a
// scheme-prefixed reference, so a runr.config.json can point at a
// keychain entry instead of carrying a bare secret. It is grounded on
// the teacher's internal/secrets provider set (env_provider.go,
// keychain_provider.go, registry.go scheme routing), narrowed to the
// two schemes this control plane actually needs: env and keychain.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when a reference resolves to no value.
var ErrNotFound = errors.New("credentials: not found")

// Provider resolves a scheme's references to plaintext values.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, key string) (string, error)
}

// EnvProvider resolves "env:VAR_NAME" references from the process
// environment.
type EnvProvider struct{}

// Scheme implements Provider.
func (EnvProvider) Scheme() string { return "env" }

// Resolve implements Provider.
func (EnvProvider) Resolve(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: env var %q not set", ErrNotFound, key)
	}
	return v, nil
}

// KeychainProvider resolves "keychain:key" references from the
// platform keyring (macOS Keychain, Secret Service, Credential
// Manager) under a single service namespace, mirroring the teacher's
// KeychainProvider availability probe so a locked or headless keyring
// degrades to "not found" instead of panicking workers.
type KeychainProvider struct {
	service   string
	available bool
}

// NewKeychainProvider returns a KeychainProvider storing entries under
// service (e.g. "runr").
func NewKeychainProvider(service string) *KeychainProvider {
	p := &KeychainProvider{service: service, available: true}
	if _, err := keyring.Get(service, "__runr_availability_probe__"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		p.available = false
	}
	return p
}

// Scheme implements Provider.
func (k *KeychainProvider) Scheme() string { return "keychain" }

// Resolve implements Provider.
func (k *KeychainProvider) Resolve(_ context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keychain unavailable", ErrNotFound)
	}
	v, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keychain entry %q", ErrNotFound, key)
		}
		return "", fmt.Errorf("credentials: keychain get %q: %w", key, err)
	}
	return v, nil
}

var schemeRef = regexp.MustCompile(`^([a-z][a-z0-9]*):(.+)$`)

// Registry routes scheme-prefixed references ("env:NAME",
// "keychain:NAME") to the matching Provider. A reference with no
// scheme prefix resolves to itself, so a runr.config.json can still
// carry a bare literal for local/dev use; a prefix naming a scheme with
// no registered Provider is an error.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a Registry with no providers registered.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// DefaultRegistry wires env and keychain under the given keychain
// service namespace.
func DefaultRegistry(keychainService string) *Registry {
	r := NewRegistry()
	r.Register(EnvProvider{})
	r.Register(NewKeychainProvider(keychainService))
	return r
}

// Register adds a provider, keyed by its scheme.
func (r *Registry) Register(p Provider) {
	r.providers[p.Scheme()] = p
}

// Resolve routes reference to its scheme's provider. An unscoped
// reference (no "scheme:" prefix) is returned unchanged.
func (r *Registry) Resolve(ctx context.Context, reference string) (string, error) {
	if reference == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	m := schemeRef.FindStringSubmatch(reference)
	if m == nil {
		return reference, nil
	}
	scheme, key := m[1], m[2]
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("credentials: empty key for scheme %q", scheme)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("credentials: no provider registered for scheme %q", scheme)
	}
	return p.Resolve(ctx, key)
}

// ResolveEnv resolves every value in refs (env var name -> reference)
// into "NAME=value" pairs suitable for exec.Cmd.Env. A reference that
// fails to resolve is skipped rather than failing the whole call: a
// worker missing one optional credential should still get a chance to
// run and report its own auth error, which call sites map to a
// WorkerError with useful stderr instead of a preflight-style hard stop.
func (r *Registry) ResolveEnv(ctx context.Context, refs map[string]string) []string {
	out := make([]string, 0, len(refs))
	for name, ref := range refs {
		v, err := r.Resolve(ctx, ref)
		if err != nil {
			continue
		}
		out = append(out, name+"="+v)
	}
	return out
}
