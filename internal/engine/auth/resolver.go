package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Material is what a stage process needs to authenticate. Values in Env are
// secrets and must never be logged.
type Material struct {
	Env            map[string]string
	Mounts         []Mount
	Source         string
	NativeFallback bool
}

const (
	SourceBroker = "broker"
	SourceEnv    = "env"
	SourceNative = "native"
)

// Request identifies what to resolve.
type Request struct {
	Provider             string
	Mode                 Mode
	Runtime              string
	RequiresBrowserOAuth bool
}

// Resolver composes the broker, environment and native strategies.
type Resolver struct {
	Broker    *Broker
	Native    Native
	EnvFile   string
	LookupEnv func(string) (string, bool)
}

// Resolve picks a credential for req using only local state.
func (r Resolver) Resolve(ctx context.Context, req Request) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}
	provider := strings.ToLower(req.Provider)
	envVar, known := EnvVarFor(provider)
	if !known {
		return Material{}, MissingCredentialError{Provider: req.Provider, Mode: req.Mode,
			Hint: "set provider on the execution profile to one of " + strings.Join(Providers(), ", ")}
	}
	switch req.Mode {
	case ModeAPIKey, "":
		if m, ok, err := r.brokered(provider, envVar); err != nil || ok {
			return m, err
		}
		if m, ok, err := r.fromEnv(envVar); err != nil || ok {
			return m, err
		}
		mounts, err := r.Native.Resolve(provider, req.Runtime)
		if err == nil {
			return Material{Env: map[string]string{}, Mounts: mounts, Source: SourceNative, NativeFallback: true}, nil
		}
		var nerr NativeAuthError
		if !errors.As(err, &nerr) {
			return Material{}, err
		}
		return Material{}, MissingCredentialError{Provider: provider, EnvVar: envVar, Mode: ModeAPIKey,
			Hint: fmt.Sprintf("set %s, run `stl auth login --provider %s`, or sign in with the %s CLI", envVar, provider, provider)}
	case ModeOAuthCallback:
		m, ok, err := r.brokered(provider, envVar)
		if err != nil || ok {
			return m, err
		}
		if req.RequiresBrowserOAuth {
			return Material{}, MissingCredentialError{Provider: provider, EnvVar: envVar, Mode: req.Mode,
				Hint: fmt.Sprintf("complete the browser sign-in first, then run `stl auth login --provider %s`", provider)}
		}
		if m, ok, err := r.fromEnv(envVar); err != nil || ok {
			return m, err
		}
		return Material{}, MissingCredentialError{Provider: provider, EnvVar: envVar, Mode: req.Mode,
			Hint: fmt.Sprintf("run `stl auth login --provider %s` or set %s", provider, envVar)}
	case ModeDeviceCode:
		mounts, err := r.Native.Resolve(provider, req.Runtime)
		if err != nil {
			return Material{}, err
		}
		return Material{Env: map[string]string{}, Mounts: mounts, Source: SourceNative}, nil
	default:
		return Material{}, fmt.Errorf("unknown auth mode %q", req.Mode)
	}
}

func (r Resolver) brokered(provider, envVar string) (Material, bool, error) {
	tok, ok, err := r.Broker.Token(provider)
	if err != nil || !ok {
		return Material{}, false, err
	}
	return Material{Env: map[string]string{envVar: tok.AccessToken}, Source: SourceBroker}, true, nil
}

func (r Resolver) fromEnv(envVar string) (Material, bool, error) {
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(envVar); ok && strings.TrimSpace(v) != "" {
		return Material{Env: map[string]string{envVar: v}, Source: SourceEnv}, true, nil
	}
	if r.EnvFile == "" {
		return Material{}, false, nil
	}
	vals, err := godotenv.Read(r.EnvFile)
	if errors.Is(err, os.ErrNotExist) {
		return Material{}, false, nil
	}
	if err != nil {
		return Material{}, false, fmt.Errorf("read %s: %w", r.EnvFile, err)
	}
	if v := strings.TrimSpace(vals[envVar]); v != "" {
		return Material{Env: map[string]string{envVar: v}, Source: SourceEnv}, true, nil
	}
	return Material{}, false, nil
}
