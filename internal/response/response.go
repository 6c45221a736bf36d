// Package response implements the actor that pauses subjects, notifies
// operators and records incidents.
package response

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeguard/internal/actor"
	"codeguard/internal/incidents"
	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/notify"
	"codeguard/internal/ratelimit"
	"codeguard/internal/subjects"
	"codeguard/pkg/models"
)

// ActionUnpaused is reported by Unpause.
const ActionUnpaused = "unpaused"

const pauseLimitKey = "pause"

// settleTimeout bounds the bookkeeping that follows a pause decision once the
// caller's context has gone.
const settleTimeout = 10 * time.Second

// Pauser submits the mitigating transaction. chain.Guardian and chain.DryRunGuardian implement it.
type Pauser interface {
	EmergencyPause(ctx context.Context, subject, reason string, score int) (string, error)
	Address() string
}

// EventPublisher receives incident events.
type EventPublisher interface {
	Publish(evt models.Event)
}

// Config holds the pause policy.
type Config struct {
	Cooldown         time.Duration
	MaxPausesPerHour int
	MailboxDepth     int
}

// Deps are the collaborators of the actor. Subjects, Limiter and Metrics are optional.
type Deps struct {
	Pauser    Pauser
	Channels  []notify.Channel
	Incidents incidents.Store
	Subjects  subjects.Store
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
}

// Result is the answer to a mitigation request.
type Result struct {
	Success      bool   `json:"success"`
	ActionHandle string `json:"action_handle,omitempty"`
	SubjectID    string `json:"subject_id"`
	Action       string `json:"action"`
	IncidentID   string `json:"incident_id,omitempty"`
}

// Status describes the actor.
type Status struct {
	ActorName      string `json:"actor_name"`
	Status         string `json:"status"`
	Operator       string `json:"operator"`
	PausedSubjects int    `json:"paused_subjects"`
	PausesLastHour int    `json:"pauses_last_hour"`
}

type pauseState struct {
	paused         bool
	pausedAt       time.Time
	lastSubmission time.Time
}

// Actor is the single global response actor. All fields below mailbox are
// owned by the mailbox goroutine.
type Actor struct {
	mailbox *actor.Mailbox
	deps    Deps
	cfg     Config
	now     func() time.Time

	publishers     []EventPublisher
	ledger         map[string]*pauseState
	lastIncidentAt time.Time
}

// New creates the actor. Run must be called before any operation completes.
func New(deps Deps, cfg Config) *Actor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxPausesPerHour <= 0 {
		cfg.MaxPausesPerHour = 10
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewInMemory(time.Hour)
	}
	return &Actor{
		mailbox: actor.NewMailbox(models.ActorResponse, cfg.MailboxDepth),
		deps:    deps,
		cfg:     cfg,
		now:     time.Now,
		ledger:  make(map[string]*pauseState),
	}
}

// AddPublisher registers an incident event sink. It must be called before Run.
func (a *Actor) AddPublisher(p EventPublisher) {
	if p != nil {
		a.publishers = append(a.publishers, p)
	}
}

// Run restores the pause ledger from the subject store and drains the mailbox until ctx ends.
func (a *Actor) Run(ctx context.Context) error {
	a.restore(ctx)
	return a.mailbox.Run(ctx)
}

// Mailbox exposes the actor queue.
func (a *Actor) Mailbox() *actor.Mailbox {
	return a.mailbox
}

func (a *Actor) restore(ctx context.Context) {
	if a.deps.Subjects == nil {
		return
	}
	list, err := a.deps.Subjects.List(ctx, "")
	if err != nil {
		logger.Warnf("Response failed to restore pause ledger: %v", err)
		return
	}
	for _, s := range list {
		if s.Paused {
			a.ledger[s.Address] = &pauseState{paused: true, pausedAt: s.PausedAt}
		}
	}
	if len(a.ledger) > 0 {
		logger.Infof("Response restored %d paused subjects", len(a.ledger))
	}
}

// EmergencyPause runs the pause policy for one subject. An incident is recorded
// whether or not the on-chain call is made, even when ctx ends after the
// decision; ctx.Err() is still returned in that case.
func (a *Actor) EmergencyPause(ctx context.Context, task models.EmergencyPauseTask) (Result, error) {
	if err := task.Validate(); err != nil {
		return Result{}, err
	}
	return actor.Call(ctx, a.mailbox, func(ctx context.Context) (Result, error) {
		return a.emergencyPause(ctx, task)
	})
}

func (a *Actor) emergencyPause(ctx context.Context, task models.EmergencyPauseTask) (Result, error) {
	subject := task.SubjectID
	now := a.now().UTC()

	res := Result{SubjectID: subject}
	var submitErr error
	if reason := a.skipReason(subject, now); reason != "" {
		logger.Infof("Pause for %s skipped: %s", subject, reason)
		a.deps.Metrics.PauseDecision("skipped")
		res.Action = models.ActionAlreadyMitigated
		res.Success = true
	} else {
		handle, err := a.deps.Pauser.EmergencyPause(ctx, subject, task.Reason, task.RiskScore)
		if err != nil {
			submitErr = err
			logger.Errorf("Emergency pause failed for %s (score %d, reason %q): %v", subject, task.RiskScore, task.Reason, err)
			a.deps.Metrics.PauseDecision("failed")
			res.Action = models.ActionPauseFailed
		} else {
			logger.Infof("Emergency pause submitted for %s: %s", subject, handle)
			a.deps.Metrics.PauseDecision("submitted")
			res.Action = models.ActionPaused
			res.ActionHandle = handle
			res.Success = true
		}
	}

	// The decision is final. Settle it even if the caller stopped waiting.
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if res.Action == models.ActionPaused {
		a.markPaused(settle, subject, now)
	}

	a.notify(settle, notify.Notification{
		SubjectID:    subject,
		RiskScore:    task.RiskScore,
		Severity:     models.SeverityForScore(task.RiskScore),
		Reason:       task.Reason,
		Action:       res.Action,
		ActionHandle: res.ActionHandle,
		Timestamp:    now,
	})

	inc := &models.Incident{
		SubjectAddress: subject,
		IncidentType:   incidentType(task.Details),
		Reason:         task.Reason,
		RiskScore:      task.RiskScore,
		Action:         res.Action,
		ActionHandle:   res.ActionHandle,
	}
	if err := a.record(settle, inc); err != nil {
		return res, err
	}
	res.IncidentID = inc.ID

	if submitErr != nil {
		return res, fmt.Errorf("emergency pause for %s (score %d, reason %q): %w", subject, task.RiskScore, task.Reason, submitErr)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("emergency pause for %s settled as %s after caller left: %w", subject, res.Action, err)
	}
	return res, nil
}

// skipReason returns why a pause must not be submitted, or "" when it may.
// The hourly cap is only checked here; markPaused counts successful submissions.
func (a *Actor) skipReason(subject string, now time.Time) string {
	st := a.ledger[subject]
	if st != nil && st.paused {
		return "already paused"
	}
	if st != nil && !st.lastSubmission.IsZero() && now.Sub(st.lastSubmission) < a.cfg.Cooldown {
		return "within cooldown"
	}
	if d := a.deps.Limiter.Peek(pauseLimitKey, a.cfg.MaxPausesPerHour); !d.Allowed {
		return "hourly pause cap of " + strconv.Itoa(d.Limit) + " reached"
	}
	return ""
}

func (a *Actor) markPaused(ctx context.Context, subject string, at time.Time) {
	st := a.ledger[subject]
	if st == nil {
		st = &pauseState{}
		a.ledger[subject] = st
	}
	st.paused = true
	st.pausedAt = at
	st.lastSubmission = at
	a.deps.Limiter.Allow(pauseLimitKey, a.cfg.MaxPausesPerHour)

	if a.deps.Subjects != nil {
		if err := a.deps.Subjects.SetPaused(ctx, subject, true, at); err != nil {
			logger.Warnf("Failed to persist paused flag for %s: %v", subject, err)
		}
	}
}

func (a *Actor) notify(ctx context.Context, n notify.Notification) {
	for _, r := range notify.Dispatch(ctx, a.deps.Channels, n) {
		a.deps.Metrics.Notification(r.Channel, r.Err)
	}
}

// record appends an incident and publishes it. Timestamps never go backwards.
func (a *Actor) record(ctx context.Context, inc *models.Incident) error {
	ts := a.now().UTC()
	if ts.Before(a.lastIncidentAt) {
		ts = a.lastIncidentAt
	}
	inc.ID = models.NewIncidentID()
	inc.Timestamp = ts
	inc.DetectedBy = a.deps.Pauser.Address()
	inc.Severity = models.SeverityForScore(inc.RiskScore)

	if err := a.deps.Incidents.Append(ctx, inc); err != nil {
		logger.Errorf("Failed to record incident for %s (score %d, reason %q): %v", inc.SubjectAddress, inc.RiskScore, inc.Reason, err)
		return fmt.Errorf("%w: record incident for %s (score %d, reason %q): %w", models.ErrStorage, inc.SubjectAddress, inc.RiskScore, inc.Reason, err)
	}
	a.lastIncidentAt = ts
	a.deps.Metrics.Incident(inc.Action)

	evt, err := models.NewEvent(models.EventIncident, inc)
	if err != nil {
		logger.Warnf("Failed to encode incident event %s: %v", inc.ID, err)
		return nil
	}
	for _, p := range a.publishers {
		p.Publish(evt)
	}
	return nil
}

// Execute dispatches a generic response action.
func (a *Actor) Execute(ctx context.Context, task models.ExecuteTask) (Result, error) {
	if err := task.Validate(); err != nil {
		return Result{}, err
	}
	switch strings.ToLower(task.Action) {
	case "pause", string(models.OpEmergencyPause):
		reason := task.Reason
		if reason == "" {
			reason = task.Message
		}
		return a.EmergencyPause(ctx, models.EmergencyPauseTask{
			SubjectID: task.SubjectID,
			RiskScore: task.RiskScore,
			Reason:    reason,
		})
	case "unpause":
		return a.Unpause(ctx, task.SubjectID)
	case "notify":
		return actor.Call(ctx, a.mailbox, func(ctx context.Context) (Result, error) {
			return a.notifyOnly(ctx, task)
		})
	default:
		return Result{}, fmt.Errorf("%w: unsupported action %q", models.ErrValidation, task.Action)
	}
}

func (a *Actor) notifyOnly(ctx context.Context, task models.ExecuteTask) (Result, error) {
	msg := task.Message
	if msg == "" {
		msg = task.Reason
	}
	if strings.TrimSpace(msg) == "" {
		return Result{}, fmt.Errorf("%w: notify requires a message", models.ErrValidation)
	}
	a.notify(ctx, notify.Notification{
		SubjectID: task.SubjectID,
		RiskScore: task.RiskScore,
		Severity:  models.SeverityForScore(task.RiskScore),
		Reason:    msg,
		Action:    models.ActionNotified,
		Timestamp: a.now().UTC(),
	})
	res := Result{Success: true, SubjectID: task.SubjectID, Action: models.ActionNotified}
	if task.SubjectID == "" {
		return res, nil
	}
	inc := &models.Incident{
		SubjectAddress: task.SubjectID,
		IncidentType:   models.IncidentCriticalVulnRisk,
		Reason:         msg,
		RiskScore:      task.RiskScore,
		Action:         models.ActionNotified,
	}
	if err := a.record(ctx, inc); err != nil {
		return res, err
	}
	res.IncidentID = inc.ID
	return res, nil
}

// Unpause clears the paused flag for subject. The cooldown from its last
// submission still applies.
func (a *Actor) Unpause(ctx context.Context, subjectID string) (Result, error) {
	subject, err := models.NormalizeAddress(subjectID)
	if err != nil {
		return Result{}, err
	}
	return actor.Call(ctx, a.mailbox, func(ctx context.Context) (Result, error) {
		if st := a.ledger[subject]; st != nil {
			st.paused = false
			st.pausedAt = time.Time{}
		}
		if a.deps.Subjects != nil {
			if err := a.deps.Subjects.SetPaused(ctx, subject, false, a.now()); err != nil {
				return Result{}, fmt.Errorf("clear paused flag for %s: %w", subject, err)
			}
		}
		logger.Infof("Subject %s unpaused", subject)
		return Result{Success: true, SubjectID: subject, Action: ActionUnpaused}, nil
	})
}

// Status reports the operator identity and pause counters.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	return actor.Call(ctx, a.mailbox, func(ctx context.Context) (Status, error) {
		paused := 0
		for _, st := range a.ledger {
			if st.paused {
				paused++
			}
		}
		return Status{
			ActorName:      models.ActorResponse,
			Status:         "active",
			Operator:       a.deps.Pauser.Address(),
			PausedSubjects: paused,
			PausesLastHour: a.deps.Limiter.Peek(pauseLimitKey, a.cfg.MaxPausesPerHour).Count,
		}, nil
	})
}

// Process handles a routed task payload.
func (a *Actor) Process(ctx context.Context, p models.Payload) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: missing payload", models.ErrValidation)
	}
	switch t := p.(type) {
	case *models.EmergencyPauseTask:
		return a.EmergencyPause(ctx, *t)
	case *models.ExecuteTask:
		return a.Execute(ctx, *t)
	default:
		return nil, fmt.Errorf("%w: response cannot handle %s", models.ErrValidation, p.Op())
	}
}

func incidentType(details map[string]string) string {
	if t := strings.TrimSpace(details["incident_type"]); t != "" {
		return t
	}
	return models.IncidentCriticalVulnRisk
}
