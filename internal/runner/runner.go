// Package runner executes one stage of a work item through an agent CLI.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/renameio/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageline/internal/agent"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/logging"
)

const (
	// TimeoutExitCode marks a run killed for exceeding its budget.
	TimeoutExitCode = 124
	// StartFailureExitCode marks a run whose process never started.
	StartFailureExitCode = 127

	RuntimeMarkerEnv = "STAGELINE_RUNTIME"
	// BlockingFindingMarker prefixes lines a test stage prints to report a
	// blocking issue.
	BlockingFindingMarker = "BLOCKING_FINDING:"

	defaultTimeout   = 900 * time.Second
	defaultKillGrace = 5 * time.Second
	errorTextLimit   = 2000

	containerWorkspace = "/workspace"
	containerArtifacts = "/stageline/artifacts"
	containerUploads   = "/stageline/uploads"
)

var contractMismatch = regexp.MustCompile(`(?i)(unknown (option|flag|command|subcommand|argument)|invalid choice|unrecognized (option|argument|arguments|command)|flag provided but not defined|no such option|unexpected argument|\A\s*usage:)`)

// IsContractMismatch reports whether output shows the tool rejected the
// command line shape rather than the task.
func IsContractMismatch(output string) bool {
	return contractMismatch.MatchString(output)
}

// AdapterLookup resolves agent names to adapters.
type AdapterLookup interface {
	Get(name string) (agent.Adapter, bool)
}

// Context is the input for one stage attempt.
type Context struct {
	Item        domain.WorkItem
	Stage       string
	Profile     domain.ExecutionProfile
	Prompt      string
	AuthEnv     map[string]string
	AuthMounts  []auth.Mount
	LogPath     string
	ArtifactDir string
	UploadDir   string
}

// Result is the mapped outcome of a stage attempt.
type Result struct {
	Status    string    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	ErrorText string    `json:"error_text,omitempty"`
	Output    string    `json:"-"`
	Command   string    `json:"command"`
	Attempts  int       `json:"attempts"`
	TimedOut  bool      `json:"timed_out"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Runner runs stage subprocesses. The zero value is usable apart from Adapters.
type Runner struct {
	Adapters        AdapterLookup
	DefaultTimeout  time.Duration
	ContainerBinary string
	ContainerImage  string
	// SimulationMarker, when non-empty, makes a test stage whose prompt
	// contains it report a blocking finding without trusting the exit code.
	SimulationMarker string
	KillGrace        time.Duration
	Logger           *logging.Logger
	Tracer           trace.Tracer
	Now              func() time.Time
}

type attempt struct {
	command  string
	output   string
	exitCode int
	timedOut bool
	started  bool
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NewNop()
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer("stageline/runner")
}

// Timeout returns the budget for a profile: at least one second, and the
// runner default when unset.
func (r *Runner) Timeout(p domain.ExecutionProfile) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	d := r.DefaultTimeout
	if d <= 0 {
		d = defaultTimeout
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// RunStage executes sc and writes one log file. The error is reserved for
// failures to prepare directories or persist the log; process outcomes are
// reported through Result.
func (r *Runner) RunStage(ctx context.Context, sc Context) (Result, error) {
	log := r.logger().WithItem(sc.Item.ID).WithStage(sc.Stage, sc.Profile.Agent)
	ctx, span := r.tracer().Start(ctx, "stage."+sc.Stage, trace.WithAttributes(
		attribute.Int64("stageline.item_id", sc.Item.ID),
		attribute.String("stageline.agent", sc.Profile.Agent),
		attribute.String("stageline.runtime", runtimeOf(sc.Profile)),
	))
	defer span.End()

	res := Result{StartedAt: r.now().UTC()}
	for _, dir := range []string{filepath.Dir(sc.LogPath), sc.ArtifactDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	var attempts []attempt
	adapter, ok := r.Adapters.Get(sc.Profile.Agent)
	if !ok {
		res.Status = domain.RunStatusFailed
		res.ExitCode = StartFailureExitCode
		res.ErrorText = fmt.Sprintf("no adapter registered for agent %q", sc.Profile.Agent)
	} else {
		candidates := adapter.BuildStageCommand(sc.Stage, sc.Profile.Model, sc.Prompt)
		timeout := r.Timeout(sc.Profile)
		for i, c := range candidates {
			a := r.execute(ctx, sc, c, timeout)
			attempts = append(attempts, a)
			log.Debug("stage candidate finished", "candidate", i, "exit_code", a.exitCode, "timed_out", a.timedOut)
			if a.exitCode == 0 || a.timedOut || ctx.Err() != nil {
				break
			}
			if !a.started || IsContractMismatch(a.output) {
				log.Info("agent rejected command shape, trying next candidate", "candidate", i)
				continue
			}
			break
		}
		res = r.mapResult(res, sc, attempts)
	}
	res.Attempts = len(attempts)
	res.EndedAt = r.now().UTC()

	if err := r.writeLog(sc, res, attempts); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("stageline.exit_code", res.ExitCode), attribute.Int("stageline.attempts", res.Attempts))
	if res.Status != domain.RunStatusPassed {
		span.SetStatus(codes.Error, res.Status)
	}
	log.Info("stage finished", "status", res.Status, "exit_code", res.ExitCode, "attempts", res.Attempts)
	return res, nil
}

func (r *Runner) mapResult(res Result, sc Context, attempts []attempt) Result {
	if len(attempts) == 0 {
		res.Status = domain.RunStatusFailed
		res.ExitCode = StartFailureExitCode
		res.ErrorText = fmt.Sprintf("agent %q produced no command candidates for stage %s", sc.Profile.Agent, sc.Stage)
		return res
	}
	last := attempts[len(attempts)-1]
	res.Command = last.command
	res.Output = last.output
	res.ExitCode = last.exitCode
	switch {
	case last.timedOut:
		res.Status = domain.RunStatusNeedsInput
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		res.ErrorText = fmt.Sprintf("stage %s timed out after %s", sc.Stage, r.Timeout(sc.Profile))
	case last.exitCode != 0:
		res.Status = domain.RunStatusFailed
		res.ErrorText = fmt.Sprintf("exit code %d: %s", last.exitCode, tail(last.output, errorTextLimit))
	default:
		res.Status = domain.RunStatusPassed
	}
	if sc.Stage != domain.StageTest || res.TimedOut {
		return res
	}
	if r.SimulationMarker != "" && strings.Contains(sc.Prompt, r.SimulationMarker) {
		res.Status = domain.RunStatusFailed
		res.ErrorText = "simulated blocking finding"
		return res
	}
	if res.Status == domain.RunStatusPassed {
		if findings := blockingLines(last.output); len(findings) > 0 {
			res.Status = domain.RunStatusFailed
			res.ErrorText = tail(strings.Join(findings, "\n"), errorTextLimit)
		}
	}
	return res
}

func (r *Runner) execute(ctx context.Context, sc Context, c agent.Candidate, timeout time.Duration) attempt {
	env := mergeEnv(c.Env, sc.AuthEnv)
	exe, args := c.Executable, c.Args
	workdir := sc.Item.ProjectPath
	if runtimeOf(sc.Profile) == domain.RuntimeContainer {
		exe, args = r.containerize(sc, c, env)
		workdir = ""
	}
	a := attempt{command: commandLine(exe, args)}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, exe, args...)
	configureProcess(cmd)
	cmd.WaitDelay = r.killGrace()
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(env) {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		a.exitCode = StartFailureExitCode
		a.output = err.Error()
		return a
	}
	a.started = true
	err := cmd.Wait()
	a.output = out.String()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		a.timedOut = true
		a.exitCode = TimeoutExitCode
		return a
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		a.exitCode = 0
	case errors.As(err, &exitErr):
		a.exitCode = exitErr.ExitCode()
		if a.exitCode < 0 {
			a.exitCode = 1
		}
	default:
		a.exitCode = 1
		a.output += "\n" + err.Error()
	}
	return a
}

func (r *Runner) killGrace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return defaultKillGrace
}

// containerize rewrites a candidate into a container run. Secret values stay
// in the process environment; the command line only names them.
func (r *Runner) containerize(sc Context, c agent.Candidate, env map[string]string) (string, []string) {
	binary := r.ContainerBinary
	if binary == "" {
		binary = "docker"
	}
	project := sc.Item.ProjectPath
	if project == "" {
		project = "."
	}
	args := []string{"run", "--rm", "-i", "-w", containerWorkspace, "-v", absPath(project) + ":" + containerWorkspace}
	if sc.ArtifactDir != "" {
		args = append(args, "-v", absPath(sc.ArtifactDir)+":"+containerArtifacts)
	}
	if sc.UploadDir != "" {
		args = append(args, "-v", absPath(sc.UploadDir)+":"+containerUploads+":ro")
	}
	for _, m := range sc.AuthMounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, k := range sortedKeys(env) {
		args = append(args, "-e", k)
	}
	args = append(args, "-e", RuntimeMarkerEnv+"="+domain.RuntimeContainer, r.ContainerImage, c.Executable)
	args = append(args, c.Args...)
	return binary, args
}

func (r *Runner) writeLog(sc Context, res Result, attempts []attempt) error {
	if sc.LogPath == "" {
		return nil
	}
	var b strings.Builder
	kv := func(k, v string) { fmt.Fprintf(&b, "%s=%s\n", k, v) }
	kv("stage", sc.Stage)
	kv("agent", sc.Profile.Agent)
	kv("model", sc.Profile.Model)
	kv("runtime", runtimeOf(sc.Profile))
	kv("started_at", res.StartedAt.Format(time.RFC3339))
	kv("ended_at", res.EndedAt.Format(time.RFC3339))
	kv("exit_code", fmt.Sprint(res.ExitCode))
	kv("status", res.Status)
	kv("attempts", fmt.Sprint(len(attempts)))
	for i := 0; i+1 < len(attempts); i++ {
		kv("rejected_command", attempts[i].command)
	}
	kv("command", res.Command)
	if res.ErrorText != "" && len(attempts) == 0 {
		kv("error", res.ErrorText)
	}
	for i := 0; i+1 < len(attempts); i++ {
		fmt.Fprintf(&b, "--- rejected attempt %d output ---\n", i+1)
		b.WriteString(attempts[i].output)
		if !strings.HasSuffix(attempts[i].output, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("--- output ---\n")
	b.WriteString(res.Output)
	return renameio.WriteFile(sc.LogPath, []byte(b.String()), 0o644)
}

func runtimeOf(p domain.ExecutionProfile) string {
	if p.Runtime == "" {
		return domain.RuntimeHost
	}
	return p.Runtime
}

// mergeEnv overlays auth on base. Auth wins.
func mergeEnv(base, auth map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(auth))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range auth {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func blockingLines(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, BlockingFindingMarker) {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, BlockingFindingMarker)))
		}
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func commandLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{exe}, args...) {
		if safeArg.MatchString(a) {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}
