// Package policy validates container image references against the configured
// allow-lists and resolves registry credentials for image pulls.
package policy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/registry"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/config"
)

// Resolved is the outcome of validating an image reference.
type Resolved struct {
	Requested string // reference as the client sent it
	Ref       string // fully qualified reference handed to the runtime
	Registry  string // canonical registry host
	Digest    string // repo digest, filled by ResolveDigest
}

// DigestSource resolves local image digests. Satisfied by runtime.Runtime.
type DigestSource interface {
	ImageDigest(ctx context.Context, image string) (string, error)
}

// imageRule is one parsed entry of the explicit image allow-list.
type imageRule struct {
	repo   string // canonical registry/repository
	tag    string // empty matches any tag
	digest string // set for digest-pinned entries
}

// Resolver enforces the image policy. Registry credentials are held here and
// handed out per registry; they are never written to logs.
type Resolver struct {
	allowedRegistries map[string]bool
	rules             []imageRule
	auths             map[string]string // canonical registry -> encoded auth

	mu          sync.Mutex
	digestCache map[string]string
}

// NewResolver builds a Resolver from configuration. Allow-list entries that
// fail to parse are rejected up front so a typo cannot silently allow
// everything or nothing.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		allowedRegistries: make(map[string]bool, len(cfg.AllowedRegistries)),
		auths:             make(map[string]string),
		digestCache:       make(map[string]string),
	}

	for _, reg := range cfg.AllowedRegistries {
		r.allowedRegistries[canonicalRegistry(reg)] = true
	}

	for _, entry := range cfg.AllowedImages {
		rule, err := parseImageRule(entry)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeImagePolicy, err, "invalid image allow-list entry %q", entry)
		}
		r.rules = append(r.rules, rule)
	}

	if cfg.RegistryAuth != "" {
		if err := r.loadAuth(cfg.RegistryAuth); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Validate normalizes an image reference and checks it against the registry
// allow-list and, when configured, the explicit image allow-list.
func (r *Resolver) Validate(image string) (*Resolved, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeImagePolicy, err, "invalid image reference %q", image)
	}

	reg := canonicalRegistry(ref.Context().RegistryStr())
	if !r.allowedRegistries[reg] {
		return nil, apperr.New(apperr.CodeImagePolicy,
			"registry %q is not in the allow-list (allowed: %s)", reg, strings.Join(r.registries(), ", "))
	}

	if len(r.rules) > 0 && !r.matches(ref) {
		return nil, apperr.New(apperr.CodeImagePolicy, "image %q is not in the allow-list", image)
	}

	return &Resolved{
		Requested: image,
		Ref:       ref.Name(),
		Registry:  reg,
	}, nil
}

// ResolveDigest looks up the repo digest of a validated reference, caching
// results. The src is consulted once per reference.
func (r *Resolver) ResolveDigest(ctx context.Context, src DigestSource, ref string) (string, error) {
	r.mu.Lock()
	if d, ok := r.digestCache[ref]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	digest, err := src.ImageDigest(ctx, ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.digestCache[ref] = digest
	r.mu.Unlock()
	return digest, nil
}

// RegistryAuth returns the encoded pull credential for a canonical registry
// host, or empty when none is configured.
func (r *Resolver) RegistryAuth(reg string) string {
	return r.auths[canonicalRegistry(reg)]
}

// loadAuth parses Docker-config-style credentials: {"auths": {host: {...}}}.
func (r *Resolver) loadAuth(raw string) error {
	var cfg struct {
		Auths map[string]struct {
			Auth          string `json:"auth"`
			Username      string `json:"username"`
			Password      string `json:"password"`
			IdentityToken string `json:"identitytoken"`
		} `json:"auths"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "parse registry credentials")
	}

	for host, entry := range cfg.Auths {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Auth:          entry.Auth,
			Username:      entry.Username,
			Password:      entry.Password,
			IdentityToken: entry.IdentityToken,
			ServerAddress: host,
		})
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, err, "encode registry credentials for %s", host)
		}
		r.auths[canonicalRegistry(host)] = encoded
	}
	return nil
}

func (r *Resolver) matches(ref name.Reference) bool {
	repo := ref.Context().Name()
	for _, rule := range r.rules {
		if rule.repo != repo {
			continue
		}
		switch {
		case rule.digest != "":
			if d, ok := ref.(name.Digest); ok && d.DigestStr() == rule.digest {
				return true
			}
		case rule.tag == "":
			return true
		default:
			if t, ok := ref.(name.Tag); ok && t.TagStr() == rule.tag {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) registries() []string {
	out := make([]string, 0, len(r.allowedRegistries))
	for reg := range r.allowedRegistries {
		out = append(out, reg)
	}
	return out
}

func parseImageRule(entry string) (imageRule, error) {
	ref, err := name.ParseReference(entry)
	if err != nil {
		return imageRule{}, err
	}

	rule := imageRule{repo: ref.Context().Name()}
	switch typed := ref.(type) {
	case name.Digest:
		rule.digest = typed.DigestStr()
	case name.Tag:
		// ParseReference fills in :latest for bare entries. A bare entry
		// matches any tag; an explicit tag matches only that tag.
		if tagged(entry) {
			rule.tag = typed.TagStr()
		}
	}
	return rule, nil
}

// tagged reports whether the raw entry carries an explicit tag.
func tagged(entry string) bool {
	last := entry
	if i := strings.LastIndex(entry, "/"); i >= 0 {
		last = entry[i+1:]
	}
	return strings.Contains(last, ":")
}

// canonicalRegistry folds Docker Hub's aliases into one host name so that
// allow-list entries match however the reference was written.
func canonicalRegistry(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "/"))
	switch host {
	case "index.docker.io", "registry-1.docker.io", "docker.io", "":
		return "docker.io"
	default:
		return host
	}
}
