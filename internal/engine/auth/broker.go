package auth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio/v2"
	"golang.org/x/oauth2"
)

// Broker caches OAuth access tokens per provider in a local TOML file. It
// never contacts the network; tokens are written by `stl auth login`.
type Broker struct {
	Path string
	mu   sync.Mutex
}

type storedToken struct {
	AccessToken  string    `toml:"access_token"`
	TokenType    string    `toml:"token_type,omitempty"`
	RefreshToken string    `toml:"refresh_token,omitempty"`
	Expiry       time.Time `toml:"expiry,omitempty"`
}

type tokenFile struct {
	Providers map[string]storedToken `toml:"providers"`
}

// TokenStatus is the redacted view of a cached token.
type TokenStatus struct {
	Provider string     `json:"provider"`
	Valid    bool       `json:"valid"`
	Expiry   *time.Time `json:"expiry,omitempty"`
}

func NewBroker(path string) *Broker {
	return &Broker{Path: path}
}

func (b *Broker) load() (tokenFile, error) {
	tf := tokenFile{Providers: map[string]storedToken{}}
	if b == nil || b.Path == "" {
		return tf, nil
	}
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return tf, nil
	}
	if err != nil {
		return tf, err
	}
	if _, err := toml.Decode(string(data), &tf); err != nil {
		return tf, fmt.Errorf("decode token file %s: %w", b.Path, err)
	}
	if tf.Providers == nil {
		tf.Providers = map[string]storedToken{}
	}
	return tf, nil
}

func (b *Broker) save(tf tokenFile) error {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tf); err != nil {
		return err
	}
	return renameio.WriteFile(b.Path, buf.Bytes(), 0o600)
}

// Token returns the cached token for provider when it is still valid.
func (b *Broker) Token(provider string) (*oauth2.Token, bool, error) {
	if b == nil {
		return nil, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tf, err := b.load()
	if err != nil {
		return nil, false, err
	}
	st, ok := tf.Providers[provider]
	if !ok {
		return nil, false, nil
	}
	tok := &oauth2.Token{AccessToken: st.AccessToken, TokenType: st.TokenType, RefreshToken: st.RefreshToken, Expiry: st.Expiry}
	if !tok.Valid() {
		return nil, false, nil
	}
	return tok, true, nil
}

// Store persists tok for provider, replacing any previous entry.
func (b *Broker) Store(provider string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("access token required")
	}
	if b.Path == "" {
		return errors.New("token file path not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tf, err := b.load()
	if err != nil {
		return err
	}
	tf.Providers[provider] = storedToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	return b.save(tf)
}

// Remove drops the cached token for provider.
func (b *Broker) Remove(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tf, err := b.load()
	if err != nil {
		return err
	}
	if _, ok := tf.Providers[provider]; !ok {
		return nil
	}
	delete(tf.Providers, provider)
	return b.save(tf)
}

// Status lists cached tokens without exposing their values.
func (b *Broker) Status() ([]TokenStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tf, err := b.load()
	if err != nil {
		return nil, err
	}
	out := make([]TokenStatus, 0, len(tf.Providers))
	for name, st := range tf.Providers {
		tok := oauth2.Token{AccessToken: st.AccessToken, Expiry: st.Expiry}
		s := TokenStatus{Provider: name, Valid: tok.Valid()}
		if !st.Expiry.IsZero() {
			exp := st.Expiry
			s.Expiry = &exp
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
