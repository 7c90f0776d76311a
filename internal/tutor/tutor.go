// Package tutor routes guide events to handlers and runs the per-event pipeline.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/concord-consortium/guide-server/internal/concepts"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/rules"
)

var (
	ErrNoStudent     = errors.New("session has no student")
	ErrBadSubmission = errors.New("invalid submission")
)

// Store persists students and sessions.
type Store interface {
	FindOrCreateStudent(ctx context.Context, id string) (*model.Student, error)
	SaveStudent(ctx context.Context, s *model.Student) error
	ResetStudent(ctx context.Context, id string) (*model.Student, error)
	FindOrCreateSession(ctx context.Context, id string) (*model.Session, error)
	SaveSession(ctx context.Context, s *model.Session) error
}

// Catalog supplies rule sheets and concept matrices for a group.
type Catalog interface {
	RulesFor(ctx context.Context, groupName, tags string) ([]*rules.Rule, error)
	MatrixFor(ctx context.Context, groupName, challengeID, species string) (concepts.Matrix, error)
}

// Tutor processes events for every session.
type Tutor struct {
	store    Store
	catalog  Catalog
	adapter  genetics.Adapter
	router   *Router
	sessions *keyedMutex
	students *keyedMutex
	metrics  *metrics
	validate *validator.Validate
	intn     func(int) int
	now      func() time.Time
	reg      prometheus.Registerer
}

// Option configures a Tutor.
type Option func(*Tutor)

// WithIntn sets the random source used to pick dialog variants.
func WithIntn(f func(int) int) Option {
	return func(t *Tutor) { t.intn = f }
}

// WithClock sets the clock used when an event carries no time.
func WithClock(f func() time.Time) Option {
	return func(t *Tutor) { t.now = f }
}

// WithRegisterer registers the tutor metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tutor) { t.reg = reg }
}

// New creates a Tutor with the standard routes.
func New(store Store, catalog Catalog, adapter genetics.Adapter, opts ...Option) *Tutor {
	t := &Tutor{
		store:    store,
		catalog:  catalog,
		adapter:  adapter,
		sessions: newKeyedMutex(),
		students: newKeyedMutex(),
		validate: validator.New(),
		intn:     rand.IntN,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.metrics = newMetrics(t.reg)
	t.router = NewRouter(t.routes()...)
	return t
}

func (t *Tutor) routes() []Route {
	return []Route{
		{Triple: SessionStarted, Name: "session started", Handle: t.handleSessionStarted},
		{Triple: SessionEnded, Name: "session ended", Handle: t.handleSessionEnded},
		{Triple: ChallengeNavigated, Name: "challenge navigated", Handle: t.handleChallengeNavigated},
		{Triple: AlleleChanged, Name: "allele changed", Handle: t.handleAlleleChanged},
		{Triple: OrganismSubmitted, Name: "organism submitted", Handle: t.handleOrganismSubmitted},
	}
}

// Router exposes the dispatch table.
func (t *Tutor) Router() *Router {
	return t.router
}

func (t *Tutor) eventTime(ev model.Event) time.Time {
	if ev.Time.IsZero() {
		return t.now()
	}
	return ev.Time
}

// reload refreshes sess from the store. Several connections may hold their own copy
// of one session; the stored one is current while the session lock is held.
func (t *Tutor) reload(ctx context.Context, sess *model.Session) error {
	stored, err := t.store.FindOrCreateSession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sess.ID, err)
	}
	sess.Restore(stored)
	return nil
}

// ProcessEvent runs one event through the pipeline: bind the student, record the
// event, dispatch it, emit any reply, then persist session and student.
func (t *Tutor) ProcessEvent(ctx context.Context, sess *model.Session, ev model.Event) (err error) {
	unlock := t.sessions.Lock(sess.ID)
	defer unlock()

	route, matched := t.router.Match(ev)
	label := unmatchedRoute
	if matched {
		label = route.Name
	}
	start := time.Now()
	outcome := outcomeUnhandled
	defer func() {
		if err != nil {
			outcome = outcomeFailed
		}
		t.metrics.observe(label, outcome, time.Since(start))
	}()

	if err := t.reload(ctx, sess); err != nil {
		return err
	}
	if ev.IsMatch(SessionStarted) {
		sess.Start(ev.Username, t.eventTime(ev))
	}
	if sess.StudentID == "" {
		return fmt.Errorf("%w: %s", ErrNoStudent, sess.ID)
	}

	unlockStudent := t.students.Lock(sess.StudentID)
	defer unlockStudent()
	student, err := t.store.FindOrCreateStudent(ctx, sess.StudentID)
	if err != nil {
		return fmt.Errorf("load student %s: %w", sess.StudentID, err)
	}

	sess.PrependEvent(ev)

	var dialog *model.Dialog
	if matched {
		outcome = outcomeHandled
		dialog, err = route.Handle(ctx, student, sess, ev)
		if err != nil {
			return fmt.Errorf("handle %s: %w", ev, err)
		}
	}

	if dialog != nil {
		sess.PrependResponse(*dialog)
		if err := sess.Emit(ctx, model.ChannelDialog, dialog); err != nil {
			return fmt.Errorf("emit dialog: %w", err)
		}
		t.metrics.dialogs.WithLabelValues(dialog.ID).Inc()
	}

	if err := t.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := t.store.SaveStudent(ctx, student); err != nil {
		return fmt.Errorf("save student: %w", err)
	}
	return nil
}

// Disconnect deactivates sess once its client is gone and persists it.
func (t *Tutor) Disconnect(ctx context.Context, sess *model.Session) error {
	unlock := t.sessions.Lock(sess.ID)
	defer unlock()

	if err := t.reload(ctx, sess); err != nil {
		return err
	}
	sess.Deactivate()
	sess.Attach(nil)
	if err := t.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ResetStudent clears a student's concept model. It waits for any event that is
// updating the same student.
func (t *Tutor) ResetStudent(ctx context.Context, id string) (*model.Student, error) {
	unlock := t.students.Lock(id)
	defer unlock()

	st, err := t.store.ResetStudent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reset student %s: %w", id, err)
	}
	return st, nil
}
