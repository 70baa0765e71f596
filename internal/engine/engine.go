package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"stageline/internal/agent"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/guard"
	"stageline/internal/logging"
	"stageline/internal/projection"
	"stageline/internal/repo"
	"stageline/internal/runner"
)

var (
	ErrBusy           = errors.New("dispatcher is already processing an item")
	ErrNotRunnable    = errors.New("work item is not runnable")
	ErrAlreadyRunning = errors.New("dispatcher loop already running")
)

// StageRunner executes one stage attempt.
type StageRunner interface {
	RunStage(ctx context.Context, sc runner.Context) (runner.Result, error)
}

// CredentialResolver produces auth material for a stage process.
type CredentialResolver interface {
	Resolve(ctx context.Context, req auth.Request) (auth.Material, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string
	Runner    StageRunner
	Auth      CredentialResolver
	Adapters  runner.AdapterLookup
	Sink      projection.Sink
	Logger    *logging.Logger
	Now       func() time.Time
}

// New wires the default collaborators from cfg. Callers may swap any field.
func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Workspace: workspace,
		Adapters:  agent.NewRegistry(),
		Sink:      projection.Nop{},
		Logger:    logging.NewNop(),
		Now:       time.Now,
	}
	e.Runner = &runner.Runner{
		Adapters:         e.Adapters,
		DefaultTimeout:   time.Duration(cfg.Runner.DefaultTimeoutSeconds) * time.Second,
		ContainerBinary:  cfg.Runner.ContainerBinary,
		ContainerImage:   cfg.Runner.ContainerImage,
		SimulationMarker: simulationMarker(cfg),
	}
	e.Auth = auth.Resolver{
		Broker:  auth.NewBroker(e.path(cfg.Auth.TokenFile)),
		Native:  auth.Native{Home: cfg.Auth.NativeHome},
		EnvFile: e.path(cfg.Auth.EnvFile),
	}
	return e
}

// WithLogger sets the logger on the engine and on the default runner.
func (e Engine) WithLogger(l *logging.Logger) Engine {
	e.Logger = l
	if r, ok := e.Runner.(*runner.Runner); ok {
		r.Logger = l
	}
	return e
}

func simulationMarker(cfg *config.Config) string {
	if cfg.Simulation.Enabled {
		return cfg.Simulation.Marker
	}
	return ""
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.NewNop()
}

// path resolves workspace-relative config paths.
func (e Engine) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.Workspace, p)
}

// CreateItemOptions are parameters for creating a work item.
type CreateItemOptions struct {
	Kind               string
	Title              string
	Body               string
	RichBody           string
	Priority           int
	ProjectPath        string
	ParentID           *int64
	AcceptanceCriteria []string
}

func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindTask
	}
	switch opts.Kind {
	case domain.KindTask, domain.KindFinding:
	default:
		return domain.WorkItem{}, fmt.Errorf("unknown kind %q", opts.Kind)
	}
	if opts.ParentID != nil {
		if _, err := e.Repo.GetWorkItem(ctx, *opts.ParentID); err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent %d: %w", *opts.ParentID, err)
		}
	}
	now := e.stamp()
	w := domain.WorkItem{
		Kind:               opts.Kind,
		Title:              opts.Title,
		Body:               opts.Body,
		RichBody:           opts.RichBody,
		Status:             domain.StatusNew,
		Priority:           opts.Priority,
		ProjectPath:        opts.ProjectPath,
		ParentID:           opts.ParentID,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	w, err = e.Repo.InsertWorkItem(ctx, tx, w)
	if err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.created", "work_item", itemSubject(w.ID), events.EventPayload{
		"kind":     w.Kind,
		"priority": w.Priority,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.project(ctx, w)
	return w, nil
}

// Requeue returns a failed, needs_input or blocked item to the queue. Items
// that still wait on a blocking finding stay where they are.
func (e Engine) Requeue(ctx context.Context, id int64) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return w, err
	}
	switch w.Status {
	case domain.StatusFailed, domain.StatusNeedsInput, domain.StatusBlocked:
	default:
		return w, fmt.Errorf("%w: cannot requeue item in status %s", ErrNotRunnable, w.Status)
	}
	open, err := e.Repo.HasOpenBlockingFindings(ctx, nil, id)
	if err != nil {
		return w, err
	}
	if open {
		return w, fmt.Errorf("%w: item %d has open blocking findings", ErrNotRunnable, id)
	}
	if err := e.transition(ctx, &w, domain.StatusNew, ""); err != nil {
		return w, err
	}
	return w, nil
}

func ensureTransition(from, to string) error {
	if from == to {
		return nil
	}
	switch to {
	case domain.StatusPlanned:
		switch from {
		case domain.StatusNew, domain.StatusFailed, domain.StatusNeedsInput, domain.StatusBlocked,
			domain.StatusExecuting, domain.StatusVerifying:
			return nil
		}
	case domain.StatusExecuting:
		if from == domain.StatusPlanned {
			return nil
		}
	case domain.StatusVerifying:
		if from == domain.StatusExecuting {
			return nil
		}
	case domain.StatusCompleted:
		if from == domain.StatusVerifying {
			return nil
		}
	case domain.StatusNeedsInput, domain.StatusFailed:
		switch from {
		case domain.StatusPlanned, domain.StatusExecuting, domain.StatusVerifying:
			return nil
		}
	case domain.StatusBlocked:
		if from != domain.StatusCompleted {
			return nil
		}
	case domain.StatusNew:
		switch from {
		case domain.StatusFailed, domain.StatusNeedsInput, domain.StatusBlocked:
			return nil
		}
	}
	return fmt.Errorf("invalid work item status transition %s -> %s", from, to)
}

// transition persists a status change with its event and notifies the sink.
func (e Engine) transition(ctx context.Context, w *domain.WorkItem, to, lastError string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	from := w.Status
	if err := e.transitionTx(ctx, tx, w, to, lastError); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		w.Status = from
		return err
	}
	e.project(ctx, *w)
	return nil
}

func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, to, lastError string) error {
	if err := ensureTransition(w.Status, to); err != nil {
		return err
	}
	now := e.stamp()
	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, w.ID, to, lastError, now); err != nil {
		return err
	}
	payload := events.EventPayload{"from": w.Status, "to": to}
	if lastError != "" {
		payload["error"] = lastError
	}
	if err := e.Events.Append(ctx, tx, "work_item.status_changed", "work_item", itemSubject(w.ID), payload); err != nil {
		return err
	}
	e.logger().WithItem(w.ID).Info("work item status changed", "from", w.Status, "to", to, "error", lastError)
	w.Status = to
	w.LastError = lastError
	w.UpdatedAt = now
	return nil
}

func (e Engine) project(ctx context.Context, w domain.WorkItem) {
	if e.Sink == nil {
		return
	}
	if err := e.Sink.Project(ctx, w); err != nil {
		e.logger().WithItem(w.ID).Warn("projection failed", "error", err)
	}
}

func (e Engine) event(ctx context.Context, kind, subjectType, subjectID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, kind, subjectType, subjectID, payload); err != nil {
		e.logger().Error("record event failed", "kind", kind, "error", err)
	}
}

func itemSubject(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Complexity scores an item as priority plus one point per started body unit.
// Findings are always simple.
func Complexity(w domain.WorkItem, c config.ComplexityConfig) string {
	if w.Kind == domain.KindFinding {
		return domain.ComplexitySimple
	}
	unit, simpleMax, mediumMax := c.BodyUnit, c.SimpleMax, c.MediumMax
	if unit <= 0 {
		unit = 1000
	}
	if simpleMax == 0 && mediumMax == 0 {
		simpleMax, mediumMax = 3, 8
	}
	score := w.Priority + (len(w.Body)+unit-1)/unit
	switch {
	case score <= simpleMax:
		return domain.ComplexitySimple
	case score <= mediumMax:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityComplex
	}
}

var strictPolicy = bluemonday.StrictPolicy()

// DerivedBody reduces rich markup to the plain text an agent would see.
func DerivedBody(rich string) string {
	if strings.TrimSpace(rich) == "" {
		return ""
	}
	text := html.UnescapeString(strictPolicy.Sanitize(rich))
	return strings.Join(strings.Fields(text), " ")
}

// Outcome summarizes one ProcessItem call.
type Outcome struct {
	Item       domain.WorkItem  `json:"item"`
	Complexity string           `json:"complexity,omitempty"`
	Guard      guard.Evaluation `json:"guard"`
	Runs       []domain.Run     `json:"runs,omitempty"`
	ChildID    *int64           `json:"child_id,omitempty"`
}

var directives = map[string]string{
	domain.StagePlan: "Produce an actionable implementation plan for the work item above. " +
		"List concrete steps and the acceptance criteria each step satisfies. Do not modify files.",
	domain.StageExecute: "Implement the work item above in the project directory following the plan. " +
		"Finish with a short summary of what changed.",
	domain.StageTest: "Verify the implementation against the acceptance criteria and run the relevant tests. " +
		"For every issue that must block completion print one line starting with " + runner.BlockingFindingMarker +
		" followed by a short summary. Print no such line when verification passes.",
}

var findingCriteria = []string{
	"Root cause of the finding is fixed",
	"Relevant tests pass",
	"No blocking findings remain",
}

// ProcessItem drives a claimed item through plan, execute and test. Outcomes
// are recorded on the item; the error is reserved for storage failures.
func (e Engine) ProcessItem(ctx context.Context, w domain.WorkItem) (Outcome, error) {
	log := e.logger().WithItem(w.ID)
	out := Outcome{Item: w}
	derived := DerivedBody(w.RichBody)

	ev := guard.Evaluate(guard.ParseMode(e.Config.Guard.Mode), w.Title, w.Body, derived)
	out.Guard = ev
	if len(ev.Signals) > 0 {
		log.Warn("prompt injection signals detected", "mode", ev.Mode, "blocked", ev.Blocked, "signals", len(ev.Signals))
		e.event(ctx, "prompt_injection_detected", "work_item", itemSubject(w.ID), events.EventPayload{
			"mode":    ev.Mode,
			"blocked": ev.Blocked,
			"signals": ev.Signals,
		})
	}
	if ev.Blocked {
		err := e.transition(ctx, &w, domain.StatusBlocked, blockedReason(ev.Signals))
		out.Item = w
		return out, err
	}
	if w.Status != domain.StatusPlanned {
		if err := e.transition(ctx, &w, domain.StatusPlanned, ""); err != nil {
			out.Item = w
			return out, err
		}
	}

	complexity := Complexity(w, e.Config.Complexity)
	out.Complexity = complexity
	body := w.Body
	if derived != "" {
		body = strings.TrimSpace(body + "\n\n" + derived)
	}
	for _, stage := range domain.Stages {
		profile, err := e.Repo.LookupProfile(ctx, complexity, stage)
		if errors.Is(err, repo.ErrNotFound) {
			msg := fmt.Sprintf("no execution profile for complexity %s stage %s", complexity, stage)
			e.event(ctx, "execution_profile_missing", "work_item", itemSubject(w.ID), events.EventPayload{
				"complexity": complexity,
				"stage":      stage,
			})
			err = e.transition(ctx, &w, domain.StatusNeedsInput, msg)
			out.Item = w
			return out, err
		}
		if err != nil {
			return out, err
		}
		if err := e.renewLease(ctx, &w, profile); err != nil {
			out.Item = w
			return out, err
		}

		switch stage {
		case domain.StageExecute:
			err = e.transition(ctx, &w, domain.StatusExecuting, "")
		case domain.StageTest:
			err = e.transition(ctx, &w, domain.StatusVerifying, "")
		}
		if err != nil {
			out.Item = w
			return out, err
		}

		material, err := e.resolveAuth(ctx, profile)
		if err != nil {
			log.Warn("auth resolution failed", "stage", stage, "provider", profile.Provider, "error", err)
			e.event(ctx, "auth_resolution_failed", "work_item", itemSubject(w.ID), events.EventPayload{
				"stage":     stage,
				"provider":  profile.Provider,
				"auth_mode": profile.AuthMode,
				"error":     err.Error(),
			})
			err = e.transition(ctx, &w, domain.StatusNeedsInput, err.Error())
			out.Item = w
			return out, err
		}
		if material.NativeFallback {
			e.event(ctx, "auth_native_fallback", "work_item", itemSubject(w.ID), events.EventPayload{
				"stage":    stage,
				"provider": profile.Provider,
			})
		}

		prompt := guard.Wrap(guard.StageContext{
			ItemID:             w.ID,
			Kind:               w.Kind,
			Stage:              stage,
			Title:              w.Title,
			Body:               body,
			AcceptanceCriteria: w.AcceptanceCriteria,
			Directive:          directives[stage],
		})
		run, res, err := e.runStage(ctx, w, stage, profile, prompt, material)
		if err != nil {
			return out, err
		}
		out.Runs = append(out.Runs, run)
		if res.Status == domain.RunStatusPassed {
			continue
		}
		if stage == domain.StageTest && res.Status == domain.RunStatusFailed {
			child, err := e.spawnFinding(ctx, &w, run, res.ErrorText)
			out.Item = w
			if err != nil {
				return out, err
			}
			out.ChildID = &child.ID
			return out, nil
		}
		status := domain.StatusFailed
		if res.Status == domain.RunStatusNeedsInput {
			status = domain.StatusNeedsInput
		}
		err = e.transition(ctx, &w, status, res.ErrorText)
		out.Item = w
		return out, err
	}

	if err := e.complete(ctx, &w); err != nil {
		out.Item = w
		return out, err
	}
	out.Item = w
	if err := e.unblockAncestors(ctx, w); err != nil {
		log.Error("ancestor unblock walk failed", "error", err)
	}
	return out, nil
}

// leaseMargin covers the bookkeeping around a stage process.
const leaseMargin = time.Minute

// renewLease extends a claimed item's lease to cover the next stage. Items
// processed without a claim carry no lease and are left alone.
func (e Engine) renewLease(ctx context.Context, w *domain.WorkItem, p domain.ExecutionProfile) error {
	if w.LeaseOwner == nil {
		return nil
	}
	hold := e.Config.StageTimeout(p) + leaseMargin
	if lease := e.Config.LeaseDuration(); lease > hold {
		hold = lease
	}
	expires := e.now().UTC().Add(hold).Format(time.RFC3339)
	if err := e.Repo.RenewLease(ctx, w.ID, *w.LeaseOwner, expires); err != nil {
		return fmt.Errorf("renew lease on item %d: %w", w.ID, err)
	}
	w.LeaseExpiresAt = &expires
	return nil
}

func blockedReason(signals []guard.Signal) string {
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		parts = append(parts, fmt.Sprintf("%s: %q", s.Pattern, s.Excerpt))
	}
	return "prompt injection signals: " + strings.Join(parts, "; ")
}

func (e Engine) resolveAuth(ctx context.Context, p domain.ExecutionProfile) (auth.Material, error) {
	req := auth.Request{Provider: p.Provider, Mode: auth.Mode(p.AuthMode), Runtime: p.Runtime}
	if e.Adapters != nil {
		if a, ok := e.Adapters.Get(p.Agent); ok {
			m := a.Manifest()
			req.RequiresBrowserOAuth = m.RequiresBrowserOAuth
			if req.Provider == "" {
				req.Provider = m.Provider
			}
		}
	}
	return e.Auth.Resolve(ctx, req)
}

func (e Engine) runStage(ctx context.Context, w domain.WorkItem, stage string, p domain.ExecutionProfile, prompt string, m auth.Material) (domain.Run, runner.Result, error) {
	started := e.now().UTC()
	attempt := fmt.Sprintf("%s-%s-%s", stage, started.Format("20060102T150405Z"), uuid.NewString()[:8])
	item := itemSubject(w.ID)
	run := domain.Run{
		WorkItemID:  w.ID,
		Stage:       stage,
		ProfileID:   p.ID,
		LogPath:     filepath.Join(e.path(e.Config.Runner.LogDir), item, attempt+".log"),
		ArtifactDir: filepath.Join(e.path(e.Config.Runner.ArtifactDir), item, attempt),
		Status:      domain.RunStatusRunning,
		StartedAt:   started.Format(time.RFC3339),
	}
	run, err := e.Repo.InsertRun(ctx, run)
	if err != nil {
		return run, runner.Result{}, fmt.Errorf("insert run: %w", err)
	}
	if w.ProjectPath == "" {
		w.ProjectPath = e.Workspace
	}
	res, err := e.Runner.RunStage(ctx, runner.Context{
		Item:        w,
		Stage:       stage,
		Profile:     p,
		Prompt:      prompt,
		AuthEnv:     m.Env,
		AuthMounts:  m.Mounts,
		LogPath:     run.LogPath,
		ArtifactDir: run.ArtifactDir,
		UploadDir:   e.path(e.Config.Runner.UploadDir),
	})
	if err != nil {
		res = runner.Result{Status: domain.RunStatusFailed, ExitCode: 1, ErrorText: err.Error()}
	}
	ended := e.stamp()
	if err := e.Repo.CompleteRun(ctx, run.ID, res.Status, res.ExitCode, res.ErrorText, ended); err != nil {
		return run, res, fmt.Errorf("complete run %d: %w", run.ID, err)
	}
	code := res.ExitCode
	run.Status, run.ExitCode, run.ErrorText, run.EndedAt = res.Status, &code, res.ErrorText, &ended
	e.event(ctx, "stage_run_completed", "run", strconv.FormatInt(run.ID, 10), events.EventPayload{
		"work_item_id": w.ID,
		"stage":        stage,
		"profile_id":   p.ID,
		"status":       res.Status,
		"exit_code":    res.ExitCode,
		"attempts":     res.Attempts,
	})
	return run, res, nil
}

// spawnFinding records a blocking finding for a failed verification, backed
// by a new finding item, and blocks the parent.
func (e Engine) spawnFinding(ctx context.Context, w *domain.WorkItem, run domain.Run, errorText string) (domain.WorkItem, error) {
	if strings.TrimSpace(errorText) == "" {
		errorText = "verification failed without details"
	}
	now := e.stamp()
	parentID := w.ID
	child := domain.WorkItem{
		Kind:               domain.KindFinding,
		Title:              fmt.Sprintf("Resolve verification finding for #%d: %s", w.ID, w.Title),
		Body:               errorText,
		Status:             domain.StatusNew,
		Priority:           w.Priority,
		ProjectPath:        w.ProjectPath,
		ParentID:           &parentID,
		AcceptanceCriteria: findingCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return child, err
	}
	defer tx.Rollback()

	child, err = e.Repo.InsertWorkItem(ctx, tx, child)
	if err != nil {
		return child, fmt.Errorf("insert finding item: %w", err)
	}
	if err := e.Repo.InsertLink(ctx, tx, domain.Link{FromID: child.ID, ToID: w.ID, Relation: domain.RelationSpawnedFrom, CreatedAt: now}); err != nil {
		return child, fmt.Errorf("link finding item: %w", err)
	}
	runID := run.ID
	f, err := e.Repo.InsertFinding(ctx, tx, domain.Finding{
		WorkItemID:      w.ID,
		RunID:           &runID,
		Severity:        "high",
		Title:           "Verification failed",
		Details:         errorText,
		Blocking:        true,
		ChildWorkItemID: &child.ID,
		CreatedAt:       now,
	})
	if err != nil {
		return child, fmt.Errorf("insert finding: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "finding_recorded", "work_item", itemSubject(w.ID), events.EventPayload{
		"finding_id":    f.ID,
		"run_id":        run.ID,
		"child_item_id": child.ID,
		"blocking":      true,
	}); err != nil {
		return child, err
	}
	if err := e.transitionTx(ctx, tx, w, domain.StatusBlocked, errorText); err != nil {
		return child, err
	}
	if err := tx.Commit(); err != nil {
		return child, err
	}
	e.project(ctx, child)
	e.project(ctx, *w)
	return child, nil
}

// complete resolves the item's findings and marks it completed.
func (e Engine) complete(ctx context.Context, w *domain.WorkItem) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.resolveFindingsTx(ctx, tx, w.ID); err != nil {
		return err
	}
	if err := e.transitionTx(ctx, tx, w, domain.StatusCompleted, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.project(ctx, *w)
	return nil
}

// ResolveFindings marks open findings attached to the item, or backed by it,
// resolved. It never changes item status and repeating it is a no-op.
func (e Engine) ResolveFindings(ctx context.Context, id int64) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.resolveFindingsTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (e Engine) resolveFindingsTx(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	now := e.stamp()
	own, err := e.Repo.ResolveFindingsByWorkItem(ctx, tx, id, now)
	if err != nil {
		return 0, err
	}
	backed, err := e.Repo.ResolveFindingsByChild(ctx, tx, id, now)
	if err != nil {
		return 0, err
	}
	if own+backed == 0 {
		return 0, nil
	}
	if err := e.Events.Append(ctx, tx, "findings_resolved", "work_item", itemSubject(id), events.EventPayload{
		"own":      own,
		"by_child": backed,
	}); err != nil {
		return 0, err
	}
	return own + backed, nil
}

// unblockAncestors walks parent links and requeues each ancestor that no
// longer waits on a blocking finding. The walk stops at the first ancestor
// that still does.
func (e Engine) unblockAncestors(ctx context.Context, w domain.WorkItem) error {
	maxDepth := e.Config.Dispatcher.MaxAncestorDepth
	if maxDepth <= 0 {
		maxDepth = 64
	}
	visited := map[int64]bool{w.ID: true}
	next := w.ParentID
	for depth := 0; next != nil; depth++ {
		if depth >= maxDepth {
			return fmt.Errorf("ancestor chain of item %d exceeds depth %d", w.ID, maxDepth)
		}
		if visited[*next] {
			return fmt.Errorf("ancestor cycle at item %d", *next)
		}
		visited[*next] = true
		anc, err := e.Repo.GetWorkItem(ctx, *next)
		if err != nil {
			return err
		}
		open, err := e.Repo.HasOpenBlockingFindings(ctx, nil, anc.ID)
		if err != nil {
			return err
		}
		if open {
			return nil
		}
		if anc.Status != domain.StatusCompleted && anc.Status != domain.StatusPlanned {
			if ensureTransition(anc.Status, domain.StatusPlanned) != nil {
				e.logger().WithItem(anc.ID).Warn("ancestor left in place", "status", anc.Status)
			} else {
				from := anc.Status
				if err := e.transition(ctx, &anc, domain.StatusPlanned, ""); err != nil {
					return err
				}
				e.event(ctx, "ancestor_unblocked", "work_item", itemSubject(anc.ID), events.EventPayload{
					"from":          from,
					"descendant_id": w.ID,
					"depth":         depth + 1,
				})
			}
		}
		next = anc.ParentID
	}
	return nil
}
