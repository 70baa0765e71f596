package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"claude", "codex", "copilot", "gemini"}, r.Names())

	a, ok := r.Get("copilot")
	require.True(t, ok)
	assert.True(t, a.Manifest().RequiresBrowserOAuth)
	assert.Equal(t, "github", a.Manifest().Provider)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

type stubAdapter struct{}

func (stubAdapter) Manifest() Manifest { return Manifest{Name: "claude", Provider: "stub"} }
func (stubAdapter) BuildStageCommand(string, string, string) []Candidate {
	return []Candidate{{Executable: "true"}}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(stubAdapter{})
	a, ok := r.Get("claude")
	require.True(t, ok)
	assert.Equal(t, "stub", a.Manifest().Provider)
}

func TestClaudeStageFlags(t *testing.T) {
	plan := Claude{}.BuildStageCommand("plan", "", "do it")
	require.Len(t, plan, 2)
	assert.Equal(t, "do it", plan[0].Stdin)
	assert.Contains(t, plan[0].Args, "plan")
	assert.Contains(t, plan[0].Args, "claude-sonnet-4-5")

	exec := Claude{}.BuildStageCommand("execute", "claude-opus-4-1", "do it")
	assert.Contains(t, exec[0].Args, "--dangerously-skip-permissions")
	assert.Contains(t, exec[0].Args, "claude-opus-4-1")
	assert.Equal(t, []string{"-p", "do it", "--model", "claude-opus-4-1", "--dangerously-skip-permissions"}, exec[1].Args)
}

func TestCodexCandidates(t *testing.T) {
	c := Codex{}.BuildStageCommand("plan", "o3", "prompt")
	require.Len(t, c, 3)
	assert.Equal(t, []string{"exec", "--skip-git-repo-check", "-c", `approval_policy="never"`, "--sandbox", "read-only", "--model", "o3", "-"}, c[0].Args)
	assert.Equal(t, "prompt", c[0].Stdin)
	assert.Equal(t, "prompt", c[1].Args[len(c[1].Args)-1])
	assert.Equal(t, "-q", c[2].Args[0])
}

func TestGeminiAndCopilot(t *testing.T) {
	g := Gemini{}.BuildStageCommand("test", "", "p")
	assert.Equal(t, []string{"--model", "gemini-2.5-pro", "--approval-mode", "yolo", "--prompt", "p"}, g[0].Args)

	cp := Copilot{}.BuildStageCommand("plan", "", "p")
	assert.Equal(t, []string{"-p", "p", "--allow-all-tools", "--silent"}, cp[0].Args)
	assert.Equal(t, "gh", cp[1].Executable)
}
