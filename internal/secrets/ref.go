// Package secrets resolves credential references used in the reliq config.
package secrets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

var ErrInvalidRef = errors.New("invalid secret reference")

const (
	SchemeEnv   = "env"
	SchemeFile  = "file"
	SchemeRaw   = "raw"
	SchemeVault = "vault"
)

// Ref is a parsed secret reference of the form scheme:target. For vault refs
// Target is the KV path and Field the key inside the secret.
type Ref struct {
	Scheme string
	Target string
	Field  string
}

// ParseRef parses env:NAME, file:/path, raw:value or vault:path[#field]. It
// never reads the secret.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	scheme, target, ok := strings.Cut(raw, ":")
	if !ok || raw == "" {
		return Ref{}, fmt.Errorf("%w: expected scheme:target", ErrInvalidRef)
	}
	ref := Ref{Scheme: strings.ToLower(scheme)}
	switch ref.Scheme {
	case SchemeEnv, SchemeFile:
		ref.Target = strings.TrimSpace(target)
	case SchemeRaw:
		ref.Target = target
	case SchemeVault:
		p, field, err := parseVaultTarget(target)
		if err != nil {
			return Ref{}, err
		}
		ref.Target, ref.Field = p, field
	default:
		return Ref{}, fmt.Errorf("%w: unsupported scheme %q (use env, file, raw or vault)", ErrInvalidRef, scheme)
	}
	if ref.Target == "" {
		return Ref{}, fmt.Errorf("%w: %s target is empty", ErrInvalidRef, ref.Scheme)
	}
	return ref, nil
}

func (r Ref) String() string {
	switch r.Scheme {
	case SchemeRaw:
		return "raw:***"
	case SchemeVault:
		return "vault:" + r.Target + "#" + r.Field
	default:
		return r.Scheme + ":" + r.Target
	}
}

// Load reads the secret behind raw. Surrounding whitespace is trimmed and an
// empty value is an error.
func Load(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	var val string
	switch ref.Scheme {
	case SchemeEnv:
		val = os.Getenv(ref.Target)
	case SchemeFile:
		b, err := os.ReadFile(ref.Target)
		if err != nil {
			return "", fmt.Errorf("secrets: read %s: %w", ref.Target, err)
		}
		val = string(b)
	case SchemeRaw:
		val = ref.Target
	case SchemeVault:
		cfg, err := VaultConfigFromEnv()
		if err != nil {
			return "", err
		}
		val, err = cfg.Read(ctx, ref.Target, ref.Field)
		if err != nil {
			return "", err
		}
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", fmt.Errorf("%w: %s resolved to an empty value", ErrInvalidRef, ref)
	}
	return val, nil
}

func parseVaultTarget(raw string) (string, string, error) {
	p, field, hasField := strings.Cut(strings.TrimSpace(raw), "#")
	if !hasField {
		field = "value"
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return "", "", fmt.Errorf("%w: vault field is empty", ErrInvalidRef)
	}
	if strings.Contains(p, "://") {
		return "", "", fmt.Errorf("%w: vault ref is a path, not a URL", ErrInvalidRef)
	}
	p = strings.Trim(p, "/ ")
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "", "", fmt.Errorf("%w: vault path must not contain dot segments", ErrInvalidRef)
		}
	}
	return p, field, nil
}

const (
	defaultVaultTimeout = 5 * time.Second
	maxVaultResponse    = 1 << 20

	envVaultAddr      = "RELIQ_VAULT_ADDR"
	envVaultToken     = "RELIQ_VAULT_TOKEN"
	envVaultNamespace = "RELIQ_VAULT_NAMESPACE"
	envVaultTimeout   = "RELIQ_VAULT_TIMEOUT"
	envVaultCACert    = "RELIQ_VAULT_CACERT"
)

// VaultConfig addresses a Vault server over its HTTP API.
type VaultConfig struct {
	Addr      string
	Token     string
	Namespace string
	Timeout   time.Duration
	CACert    string
}

// VaultConfigFromEnv reads RELIQ_VAULT_* variables. Addr and Token are
// required.
func VaultConfigFromEnv() (VaultConfig, error) {
	cfg := VaultConfig{
		Addr:      strings.TrimSpace(os.Getenv(envVaultAddr)),
		Token:     strings.TrimSpace(os.Getenv(envVaultToken)),
		Namespace: strings.TrimSpace(os.Getenv(envVaultNamespace)),
		CACert:    strings.TrimSpace(os.Getenv(envVaultCACert)),
		Timeout:   defaultVaultTimeout,
	}
	if cfg.Addr == "" || cfg.Token == "" {
		return VaultConfig{}, fmt.Errorf("%w: %s and %s are required for vault refs", ErrInvalidRef, envVaultAddr, envVaultToken)
	}
	if raw := strings.TrimSpace(os.Getenv(envVaultTimeout)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return VaultConfig{}, fmt.Errorf("%w: %s must be a positive duration", ErrInvalidRef, envVaultTimeout)
		}
		cfg.Timeout = d
	}
	u, err := url.Parse(cfg.Addr)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return VaultConfig{}, fmt.Errorf("%w: %s must be an http(s) URL", ErrInvalidRef, envVaultAddr)
	}
	return cfg, nil
}

// Read fetches field from the secret at kvPath. Both KV v1 and KV v2
// response shapes are accepted.
func (c VaultConfig) Read(ctx context.Context, kvPath, field string) (string, error) {
	reqURL, err := c.url(kvPath)
	if err != nil {
		return "", err
	}
	client, err := c.httpClient()
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.Token)
	if c.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.Namespace)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets: vault request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultResponse))
	if err != nil {
		return "", fmt.Errorf("secrets: vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secrets: vault %s: status %d: %s", kvPath, resp.StatusCode, vaultErrors(body))
	}
	return vaultField(body, field)
}

func (c VaultConfig) url(kvPath string) (string, error) {
	base, err := url.Parse(c.Addr)
	if err != nil {
		return "", fmt.Errorf("secrets: vault addr: %w", err)
	}
	kvPath = strings.TrimPrefix(strings.Trim(kvPath, "/"), "v1/")
	base.Path = path.Join("/", base.Path, "v1", kvPath)
	return base.String(), nil
}

func (c VaultConfig) httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: c.Timeout}
	if c.CACert == "" {
		return client, nil
	}
	pem, err := os.ReadFile(c.CACert)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", envVaultCACert, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s holds no certificates", ErrInvalidRef, envVaultCACert)
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	client.Transport = t
	return client, nil
}

func vaultField(body []byte, field string) (string, error) {
	var payload struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("secrets: decode vault response: %w", err)
	}
	if payload.Data == nil {
		return "", fmt.Errorf("%w: vault response has no data", ErrInvalidRef)
	}
	data := payload.Data
	// KV v2 nests the secret under data.data.
	if inner, ok := data["data"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(inner, &nested) == nil && nested != nil {
			if _, hasMeta := data["metadata"]; hasMeta {
				data = nested
			}
		}
	}
	raw, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: vault field %q not found", ErrInvalidRef, field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: vault field %q is not a string or number", ErrInvalidRef, field)
}

func vaultErrors(body []byte) string {
	var p struct {
		Errors []string `json:"errors"`
	}
	if json.Unmarshal(body, &p) == nil && len(p.Errors) > 0 {
		return strings.Join(p.Errors, "; ")
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "no detail"
}
