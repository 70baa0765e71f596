// Package auth resolves credentials for agent subprocesses from brokered
// tokens, the environment, or pre-authenticated native CLI sessions.
package auth

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeAPIKey        Mode = "api_key"
	ModeOAuthCallback Mode = "oauth_callback"
	ModeDeviceCode    Mode = "device_code"
)

// providerEnv holds the one canonical secret name per provider.
var providerEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
	"github":    "GITHUB_TOKEN",
}

// EnvVarFor returns the environment variable a provider's secret is passed in.
func EnvVarFor(provider string) (string, bool) {
	v, ok := providerEnv[strings.ToLower(provider)]
	return v, ok
}

// Providers returns the known provider names.
func Providers() []string {
	return []string{"anthropic", "github", "google", "openai"}
}

// MissingCredentialError means no usable credential exists. Hint tells the
// operator exactly what to provide.
type MissingCredentialError struct {
	Provider string
	EnvVar   string
	Mode     Mode
	Hint     string
}

func (e MissingCredentialError) Error() string {
	msg := fmt.Sprintf("no credential for provider %s (auth mode %s)", e.Provider, e.Mode)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// NativeAuthError means no native CLI session could be found for the runtime.
type NativeAuthError struct {
	Provider string
	Runtime  string
	Searched []string
}

func (e NativeAuthError) Error() string {
	return fmt.Sprintf("no native %s session for %s runtime; sign in with the provider CLI first (looked in %s)",
		e.Provider, e.Runtime, strings.Join(e.Searched, ", "))
}
