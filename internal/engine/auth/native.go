package auth

import (
	"errors"
	"os"
	"path"
	"path/filepath"
)

// Mount grants a process access to a host path.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// nativeSessions lists, per provider, where its CLI keeps a signed-in session
// relative to the home directory.
var nativeSessions = map[string][]string{
	"anthropic": {".claude", ".claude.json"},
	"openai":    {".codex"},
	"google":    {".gemini"},
	"github":    {".config/gh", ".copilot"},
}

const defaultContainerHome = "/home/agent"

// Native locates pre-authenticated CLI sessions on the host.
type Native struct {
	Home          string
	ContainerHome string
}

func (n Native) home() (string, error) {
	if n.Home != "" {
		return n.Home, nil
	}
	return os.UserHomeDir()
}

// Resolve returns read-only mounts for every session path that exists. For
// the host runtime the session is used in place and Target equals Source.
func (n Native) Resolve(provider, runtime string) ([]Mount, error) {
	rels, ok := nativeSessions[provider]
	if !ok {
		return nil, NativeAuthError{Provider: provider, Runtime: runtime}
	}
	home, err := n.home()
	if err != nil {
		return nil, err
	}
	containerHome := n.ContainerHome
	if containerHome == "" {
		containerHome = defaultContainerHome
	}
	var (
		mounts   []Mount
		searched []string
	)
	for _, rel := range rels {
		src := filepath.Join(home, filepath.FromSlash(rel))
		searched = append(searched, src)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		target := src
		if runtime == "container" {
			target = path.Join(containerHome, rel)
		}
		mounts = append(mounts, Mount{Source: src, Target: target, ReadOnly: true})
	}
	if len(mounts) == 0 {
		return nil, NativeAuthError{Provider: provider, Runtime: runtime, Searched: searched}
	}
	return mounts, nil
}
