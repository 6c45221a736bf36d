package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeguard/internal/incidents"
	"codeguard/internal/notify"
	"codeguard/internal/subjects"
	"codeguard/pkg/models"
)

const subjectA = "0x1111111111111111111111111111111111111111"
const subjectB = "0x2222222222222222222222222222222222222222"

type fakePauser struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePauser) EmergencyPause(ctx context.Context, subject, reason string, score int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "0xhandle", nil
}

func (f *fakePauser) Address() string { return "0xoperator" }

func (f *fakePauser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChannel struct {
	name string
	err  error
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

type failingStore struct {
	incidents.Store
}

func (failingStore) Append(ctx context.Context, inc *models.Incident) error {
	return errors.New("disk full")
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *capturePublisher) Publish(evt models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func startActor(t *testing.T, deps Deps, cfg Config) *Actor {
	t.Helper()
	a := New(deps, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)
	return a
}

func pauseTask(subject string) models.EmergencyPauseTask {
	return models.EmergencyPauseTask{SubjectID: subject, RiskScore: 95, Reason: "selfdestruct reachable"}
}

func TestEmergencyPauseIsIdempotentWithinCooldown(t *testing.T) {
	pauser := &fakePauser{}
	store := incidents.NewMemoryStore()
	pub := &capturePublisher{}
	a := New(Deps{Pauser: pauser, Incidents: store}, Config{})
	a.AddPublisher(pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	first, err := a.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil {
		t.Fatalf("first pause: %v", err)
	}
	second, err := a.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}

	if pauser.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", pauser.count())
	}
	if first.Action != models.ActionPaused || first.ActionHandle != "0xhandle" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if second.Action != models.ActionAlreadyMitigated || !second.Success {
		t.Fatalf("unexpected second result: %+v", second)
	}

	list, err := store.List(ctx, incidents.Query{Subject: subjectA})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(list))
	}
	if list[0].Action != models.ActionAlreadyMitigated || list[1].Action != models.ActionPaused {
		t.Fatalf("unexpected incident order/actions: %s, %s", list[0].Action, list[1].Action)
	}
	if list[0].Timestamp.Before(list[1].Timestamp) {
		t.Fatalf("incident timestamps went backwards")
	}
	for _, inc := range list {
		if inc.Resolved || inc.DetectedBy != "0xoperator" || inc.RiskScore != 95 {
			t.Fatalf("unexpected incident: %+v", inc)
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 || pub.events[0].Type != models.EventIncident {
		t.Fatalf("expected 2 incident events, got %+v", pub.events)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEmergencyPauseCooldownAfterUnpause(t *testing.T) {
	pauser := &fakePauser{}
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := New(Deps{Pauser: pauser, Incidents: incidents.NewMemoryStore()}, Config{Cooldown: 5 * time.Minute})
	a.now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	if _, err := a.EmergencyPause(ctx, pauseTask(subjectA)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := a.Unpause(ctx, subjectA); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	clock.Advance(time.Minute)
	res, err := a.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil {
		t.Fatalf("pause within cooldown: %v", err)
	}
	if res.Action != models.ActionAlreadyMitigated || pauser.count() != 1 {
		t.Fatalf("expected cooldown to skip, got %+v with %d calls", res, pauser.count())
	}

	clock.Advance(5 * time.Minute)
	res, err = a.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil {
		t.Fatalf("pause after cooldown: %v", err)
	}
	if res.Action != models.ActionPaused || pauser.count() != 2 {
		t.Fatalf("expected a fresh submission after cooldown, got %+v with %d calls", res, pauser.count())
	}
}

func TestEmergencyPauseHourlyCap(t *testing.T) {
	pauser := &fakePauser{}
	a := startActor(t, Deps{Pauser: pauser, Incidents: incidents.NewMemoryStore()}, Config{MaxPausesPerHour: 1})
	ctx := context.Background()

	if _, err := a.EmergencyPause(ctx, pauseTask(subjectA)); err != nil {
		t.Fatalf("pause A: %v", err)
	}
	res, err := a.EmergencyPause(ctx, pauseTask(subjectB))
	if err != nil {
		t.Fatalf("pause B: %v", err)
	}
	if res.Action != models.ActionAlreadyMitigated {
		t.Fatalf("expected cap to skip the second subject, got %s", res.Action)
	}
	if pauser.count() != 1 {
		t.Fatalf("expected one submission, got %d", pauser.count())
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PausedSubjects != 1 || st.PausesLastHour != 1 || st.Operator != "0xoperator" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestEmergencyPauseSubmissionFailure(t *testing.T) {
	pauser := &fakePauser{err: models.ErrCredential}
	store := incidents.NewMemoryStore()
	ch := &fakeChannel{name: "discord"}
	a := startActor(t, Deps{Pauser: pauser, Incidents: store, Channels: []notify.Channel{ch}}, Config{})
	ctx := context.Background()

	res, err := a.EmergencyPause(ctx, pauseTask(subjectA))
	if !errors.Is(err, models.ErrCredential) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if res.Success || res.Action != models.ActionPauseFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(ch.sent) != 1 || ch.sent[0].Action != models.ActionPauseFailed {
		t.Fatalf("expected a pause-failed notification, got %+v", ch.sent)
	}
	list, _ := store.List(ctx, incidents.Query{})
	if len(list) != 1 || list[0].Action != models.ActionPauseFailed {
		t.Fatalf("expected a pause-failed incident, got %+v", list)
	}

	// A failed submission does not mark the subject paused.
	pauser.mu.Lock()
	pauser.err = nil
	pauser.mu.Unlock()
	res, err = a.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil || res.Action != models.ActionPaused {
		t.Fatalf("expected retry to pause, got %+v, %v", res, err)
	}
}

func TestNotificationFailuresAreIsolated(t *testing.T) {
	bad := &fakeChannel{name: "telegram", err: errors.New("boom")}
	good := &fakeChannel{name: "discord"}
	store := incidents.NewMemoryStore()
	a := startActor(t, Deps{Pauser: &fakePauser{}, Incidents: store, Channels: []notify.Channel{bad, good}}, Config{})

	res, err := a.EmergencyPause(context.Background(), pauseTask(subjectA))
	if err != nil || !res.Success {
		t.Fatalf("pause: %+v, %v", res, err)
	}
	if len(bad.sent) != 1 || len(good.sent) != 1 {
		t.Fatalf("expected both channels attempted, got %d and %d", len(bad.sent), len(good.sent))
	}
	if res.IncidentID == "" {
		t.Fatalf("expected incident id in result")
	}
}

func TestIncidentWriteFailureIsFatal(t *testing.T) {
	a := startActor(t, Deps{Pauser: &fakePauser{}, Incidents: failingStore{}}, Config{})
	_, err := a.EmergencyPause(context.Background(), pauseTask(subjectA))
	if !errors.Is(err, models.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestPausedFlagPersistedAndRestored(t *testing.T) {
	ctx := context.Background()
	subs := subjects.NewMemoryStore()
	if _, err := subs.Upsert(ctx, models.Subject{Address: subjectA, Chain: "base"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pauser := &fakePauser{}
	a := startActor(t, Deps{Pauser: pauser, Incidents: incidents.NewMemoryStore(), Subjects: subs}, Config{})
	if _, err := a.EmergencyPause(ctx, pauseTask(subjectA)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s, _, _ := subs.Get(ctx, subjectA)
	if !s.Paused {
		t.Fatalf("expected subject marked paused")
	}

	restarted := startActor(t, Deps{Pauser: pauser, Incidents: incidents.NewMemoryStore(), Subjects: subs}, Config{})
	res, err := restarted.EmergencyPause(ctx, pauseTask(subjectA))
	if err != nil {
		t.Fatalf("pause after restart: %v", err)
	}
	if res.Action != models.ActionAlreadyMitigated || pauser.count() != 1 {
		t.Fatalf("expected restored ledger to skip, got %+v", res)
	}
}

func TestExecuteActions(t *testing.T) {
	ch := &fakeChannel{name: "webhook"}
	a := startActor(t, Deps{Pauser: &fakePauser{}, Incidents: incidents.NewMemoryStore(), Channels: []notify.Channel{ch}}, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		task    models.ExecuteTask
		action  string
		wantErr error
	}{
		{name: "pause", task: models.ExecuteTask{Action: "pause", SubjectID: subjectA, RiskScore: 91, Reason: "manual"}, action: models.ActionPaused},
		{name: "notify", task: models.ExecuteTask{Action: "notify", Message: "heads up"}, action: models.ActionNotified},
		{name: "unpause", task: models.ExecuteTask{Action: "unpause", SubjectID: subjectA}, action: ActionUnpaused},
		{name: "unknown", task: models.ExecuteTask{Action: "self-destruct"}, wantErr: models.ErrValidation},
	}
	for _, tc := range tests {
		res, err := a.Execute(ctx, tc.task)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Action != tc.action {
			t.Fatalf("%s: expected action %s, got %s", tc.name, tc.action, res.Action)
		}
	}
}

func TestEmergencyPauseRejectsBadInput(t *testing.T) {
	a := startActor(t, Deps{Pauser: &fakePauser{}, Incidents: incidents.NewMemoryStore()}, Config{})
	_, err := a.EmergencyPause(context.Background(), models.EmergencyPauseTask{SubjectID: "nope", RiskScore: 95, Reason: "x"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type slowPauser struct {
	fakePauser
	delay time.Duration
}

func (s *slowPauser) EmergencyPause(ctx context.Context, subject, reason string, score int) (string, error) {
	time.Sleep(s.delay)
	return s.fakePauser.EmergencyPause(ctx, subject, reason, score)
}

// ctxStore refuses writes once the caller's context is done, like a database driver.
type ctxStore struct {
	*incidents.MemoryStore
}

func (s ctxStore) Append(ctx context.Context, inc *models.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Append(ctx, inc)
}

func TestEmergencyPauseSettlesAfterCallerDeadline(t *testing.T) {
	pauser := &slowPauser{delay: 80 * time.Millisecond}
	store := ctxStore{incidents.NewMemoryStore()}
	subs := subjects.NewMemoryStore()
	if _, err := subs.Upsert(context.Background(), models.Subject{Address: subjectA, Chain: "base"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a := startActor(t, Deps{Pauser: pauser, Incidents: store, Subjects: subs}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := a.EmergencyPause(ctx, pauseTask(subjectA)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	bg := context.Background()
	var list []models.Incident
	deadline := time.Now().Add(3 * time.Second)
	for {
		var err error
		list, err = store.List(bg, incidents.Query{Subject: subjectA})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(list) != 1 || list[0].Action != models.ActionPaused || list[0].ActionHandle != "0xhandle" {
		t.Fatalf("expected one paused incident after the deadline, got %+v", list)
	}
	if pauser.count() != 1 {
		t.Fatalf("expected one submission, got %d", pauser.count())
	}

	st, err := a.Status(bg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PausedSubjects != 1 || st.PausesLastHour != 1 {
		t.Fatalf("expected the late pause in status, got %+v", st)
	}
	s, _, err := subs.Get(bg, subjectA)
	if err != nil || !s.Paused {
		t.Fatalf("expected registry to hold the paused flag, got %+v, %v", s, err)
	}
}

func TestFailedSubmissionsDoNotUseHourlyCap(t *testing.T) {
	pauser := &fakePauser{err: models.ErrTransport}
	store := incidents.NewMemoryStore()
	a := startActor(t, Deps{Pauser: pauser, Incidents: store}, Config{MaxPausesPerHour: 1})
	ctx := context.Background()

	tests := []struct {
		subject string
		fail    bool
		action  string
	}{
		{subject: subjectA, fail: true, action: models.ActionPauseFailed},
		{subject: subjectB, fail: true, action: models.ActionPauseFailed},
		{subject: subjectB, action: models.ActionPaused},
		{subject: subjectA, action: models.ActionAlreadyMitigated},
	}
	for i, tc := range tests {
		pauser.mu.Lock()
		pauser.err = nil
		if tc.fail {
			pauser.err = models.ErrTransport
		}
		pauser.mu.Unlock()

		res, err := a.EmergencyPause(ctx, pauseTask(tc.subject))
		if tc.fail != (err != nil) {
			t.Fatalf("row %d: unexpected error %v", i, err)
		}
		if res.Action != tc.action {
			t.Fatalf("row %d: expected %s, got %s", i, tc.action, res.Action)
		}
	}
	if pauser.count() != 3 {
		t.Fatalf("expected three submissions, got %d", pauser.count())
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PausesLastHour != 1 || st.PausedSubjects != 1 {
		t.Fatalf("expected only the successful pause to count, got %+v", st)
	}
}
