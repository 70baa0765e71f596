package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/agent"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
)

type scriptAdapter struct {
	name       string
	candidates []agent.Candidate
}

func (s scriptAdapter) Manifest() agent.Manifest { return agent.Manifest{Name: s.name} }
func (s scriptAdapter) BuildStageCommand(stage, model, prompt string) []agent.Candidate {
	return s.candidates
}

type adapters map[string]agent.Adapter

func (a adapters) Get(name string) (agent.Adapter, bool) {
	ad, ok := a[name]
	return ad, ok
}

func sh(script string) agent.Candidate {
	return agent.Candidate{Executable: "/bin/sh", Args: []string{"-c", script}}
}

func newContext(t *testing.T, stage string, timeout int) Context {
	dir := t.TempDir()
	return Context{
		Item:        domain.WorkItem{ID: 42, Kind: domain.KindTask, ProjectPath: dir},
		Stage:       stage,
		Profile:     domain.ExecutionProfile{ID: "p", Agent: "script", Model: "m1", Runtime: domain.RuntimeHost, TimeoutSeconds: timeout},
		Prompt:      "do the work",
		LogPath:     filepath.Join(dir, "logs", "42", stage+".log"),
		ArtifactDir: filepath.Join(dir, "artifacts", "42", stage),
	}
}

func newRunner(candidates ...agent.Candidate) *Runner {
	return &Runner{Adapters: adapters{"script": scriptAdapter{name: "script", candidates: candidates}}, KillGrace: time.Second}
}

func TestContractMismatchFallsThroughToWorkingCandidate(t *testing.T) {
	r := newRunner(
		sh("echo 'error: unknown option --print' >&2; exit 2"),
		sh("echo 'Unknown option: --sandbox'; exit 1"),
		sh("echo third-ok"),
	)
	sc := newContext(t, domain.StageExecute, 10)
	res, err := r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Output, "third-ok")
	assert.Empty(t, res.ErrorText)

	_, err = os.Stat(sc.ArtifactDir)
	require.NoError(t, err)
}

func TestGenuineFailureStopsFallback(t *testing.T) {
	r := newRunner(
		sh("echo 'compilation failed'; exit 3"),
		sh("echo never"),
	)
	res, err := r.RunStage(context.Background(), newContext(t, domain.StageExecute, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.ErrorText, "compilation failed")
}

func TestTimeoutMapsToNeedsInput(t *testing.T) {
	r := newRunner(sh("sleep 5"))
	start := time.Now()
	res, err := r.RunStage(context.Background(), newContext(t, domain.StageExecute, 1))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, domain.RunStatusNeedsInput, res.Status)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)
}

func TestMissingAdapterFails(t *testing.T) {
	r := &Runner{Adapters: adapters{}}
	sc := newContext(t, domain.StagePlan, 5)
	res, err := r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, 0, res.Attempts)
	assert.Contains(t, res.ErrorText, "no adapter")
	data, err := os.ReadFile(sc.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage=plan\n")
}

func TestMissingBinaryFails(t *testing.T) {
	r := newRunner(agent.Candidate{Executable: "/nonexistent/agent-cli"})
	res, err := r.RunStage(context.Background(), newContext(t, domain.StagePlan, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, StartFailureExitCode, res.ExitCode)
}

func TestLogFormat(t *testing.T) {
	r := newRunner(sh("echo 'usage: tool [flags]'; exit 2"), sh("echo hello; echo oops >&2"))
	sc := newContext(t, domain.StagePlan, 5)
	_, err := r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	data, err := os.ReadFile(sc.LogPath)
	require.NoError(t, err)
	text := string(data)
	head, output, ok := strings.Cut(text, "--- output ---\n")
	require.True(t, ok)
	for _, key := range []string{"stage=plan", "agent=script", "model=m1", "runtime=host", "started_at=", "ended_at=", "exit_code=0", "command=/bin/sh -c 'echo hello; echo oops >&2'", "rejected_command="} {
		assert.Contains(t, head, key)
	}
	assert.Contains(t, output, "hello")
	assert.Contains(t, output, "oops")
	_, rejected, ok := strings.Cut(head, "--- rejected attempt 1 output ---\n")
	require.True(t, ok)
	assert.Contains(t, rejected, "usage: tool [flags]")
	assert.NotContains(t, output, "usage: tool")
}

func TestTailKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := tail(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "..."+"éé", got)
}

func TestAuthEnvOverridesCandidateEnv(t *testing.T) {
	c := sh(`printf '%s' "$TOKEN"`)
	c.Env = map[string]string{"TOKEN": "candidate"}
	r := newRunner(c)
	sc := newContext(t, domain.StageExecute, 5)
	sc.AuthEnv = map[string]string{"TOKEN": "from-auth"}
	res, err := r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "from-auth", res.Output)
}

func TestStdinIsPassed(t *testing.T) {
	c := agent.Candidate{Executable: "/bin/cat", Stdin: "prompt via stdin"}
	r := newRunner(c)
	res, err := r.RunStage(context.Background(), newContext(t, domain.StagePlan, 5))
	require.NoError(t, err)
	assert.Equal(t, "prompt via stdin", res.Output)
}

func TestBlockingFindingMarkerFailsTestStage(t *testing.T) {
	r := newRunner(sh("echo checking; echo 'BLOCKING_FINDING: login returns 500'"))
	res, err := r.RunStage(context.Background(), newContext(t, domain.StageTest, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, "login returns 500", res.ErrorText)

	res, err = r.RunStage(context.Background(), newContext(t, domain.StageExecute, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, res.Status)
}

func TestSimulationMarker(t *testing.T) {
	r := newRunner(sh("true"))
	r.SimulationMarker = "[[simulate]]"
	sc := newContext(t, domain.StageTest, 5)
	sc.Prompt = "please [[simulate]]"
	res, err := r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, 0, res.ExitCode)

	r.SimulationMarker = ""
	res, err = r.RunStage(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPassed, res.Status)
}

func TestContainerize(t *testing.T) {
	r := &Runner{ContainerBinary: "podman", ContainerImage: "img:1"}
	sc := newContext(t, domain.StageExecute, 5)
	sc.UploadDir = "/srv/uploads"
	sc.AuthMounts = []auth.Mount{{Source: "/home/u/.codex", Target: "/home/agent/.codex", ReadOnly: true}}
	env := map[string]string{"OPENAI_API_KEY": "sk-secret", "A": "1"}
	exe, args := r.containerize(sc, agent.Candidate{Executable: "codex", Args: []string{"exec", "-"}}, env)
	assert.Equal(t, "podman", exe)
	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "run --rm -i -w /workspace -v "+sc.Item.ProjectPath+":/workspace"))
	assert.Contains(t, joined, "-v /srv/uploads:/stageline/uploads:ro")
	assert.Contains(t, joined, "-v /home/u/.codex:/home/agent/.codex:ro")
	assert.Contains(t, joined, "-e A -e OPENAI_API_KEY -e STAGELINE_RUNTIME=container img:1 codex exec -")
	assert.NotContains(t, joined, "sk-secret")
	assert.Equal(t, 4, strings.Count(joined, "-v "), "project, artifacts, uploads and resolver mounts only")
}

func TestTimeoutDefaults(t *testing.T) {
	r := &Runner{}
	assert.Equal(t, 900*time.Second, r.Timeout(domain.ExecutionProfile{}))
	assert.Equal(t, 2*time.Second, r.Timeout(domain.ExecutionProfile{TimeoutSeconds: 2}))
	r.DefaultTimeout = time.Millisecond
	assert.Equal(t, time.Second, r.Timeout(domain.ExecutionProfile{}))
}

func TestIsContractMismatch(t *testing.T) {
	for _, s := range []string{
		"error: unknown option '--foo'",
		"gemini: error: argument --yolo: invalid choice: 'x'",
		"error: unrecognized arguments: --sandbox",
		"flag provided but not defined: -model",
		"Usage: codex [OPTIONS] <PROMPT>",
		"error: unexpected argument '--skip' found",
	} {
		assert.True(t, IsContractMismatch(s), s)
	}
	assert.False(t, IsContractMismatch("tests failed: 3 of 10"))
}
