package config

import "os"

// Canonical secret names. Resolvers key on these, never on flag names.
const (
	SecretAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	SecretYouTubeAPIKey      = "YOUTUBE_API_KEY"
	SecretPexelsAPIKey       = "PEXELS_API_KEY"
	SecretTikTokClientKey    = "TIKTOK_CLIENT_KEY"
	SecretTikTokClientSecret = "TIKTOK_CLIENT_SECRET"
	SecretGoogleClientID     = "GOOGLE_CLIENT_ID"
	SecretGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	SecretLocalURLSignKey    = "LOCAL_URL_SIGN_KEY"
)

// SecretResolver is the only path from a secret name to its value. Consumers
// take a resolver, never raw key strings, so the lookup chain can grow
// (per-user overrides, an external vault) without touching them. An empty
// return means the secret is not configured and the consumer degrades.
type SecretResolver interface {
	Resolve(name string) string
}

// chainResolver checks explicitly-provided values first and falls back to
// the process environment.
type chainResolver struct {
	overrides map[string]string
}

// NewSecretResolver builds the startup resolver. overrides carries values
// that arrived via flags or the config file; the environment is the last
// tier.
func NewSecretResolver(overrides map[string]string) SecretResolver {
	if overrides == nil {
		overrides = map[string]string{}
	}
	return chainResolver{overrides: overrides}
}

func (r chainResolver) Resolve(name string) string {
	if v := r.overrides[name]; v != "" {
		return v
	}
	return os.Getenv(name)
}

// StaticSecrets is a fixed map with no environment fallback. Tests use it to
// pin exactly what is configured.
type StaticSecrets map[string]string

func (s StaticSecrets) Resolve(name string) string {
	return s[name]
}
