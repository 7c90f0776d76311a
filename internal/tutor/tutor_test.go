package tutor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-consortium/guide-server/internal/concepts"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/i18n"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/rules"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var errNotFound = errors.New("not found")

type memStore struct {
	mu       sync.Mutex
	students map[string]*model.Student
	sessions map[string]model.Session
	saves    []string
	failSave error
}

func newMemStore() *memStore {
	return &memStore{students: map[string]*model.Student{}, sessions: map[string]model.Session{}}
}

func (s *memStore) FindOrCreateStudent(_ context.Context, id string) (*model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		st = model.NewStudent(id)
		s.students[id] = st
	}
	return st, nil
}

func (s *memStore) SaveStudent(_ context.Context, st *model.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, "student")
	s.students[st.ID] = st
	return nil
}

func (s *memStore) ResetStudent(_ context.Context, id string) (*model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[id]
	if !ok {
		return nil, errNotFound
	}
	st.Reset()
	return st, nil
}

func (s *memStore) FindOrCreateSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.NewSession(id), nil
	}
	return &sess, nil
}

func (s *memStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.saves = append(s.saves, "session")
	s.sessions[sess.ID] = *sess
	return nil
}

type fakeCatalog struct {
	rules  [][]string
	matrix concepts.Matrix
}

func (c *fakeCatalog) RulesFor(_ context.Context, _, _ string) ([]*rules.Rule, error) {
	if c.rules == nil {
		return nil, nil
	}
	return rules.ParseRules(c.rules, genetics.MustNew())
}

func (c *fakeCatalog) MatrixFor(_ context.Context, _, _, _ string) (concepts.Matrix, error) {
	return c.matrix, nil
}

type sent struct {
	channel string
	payload any
}

type recorder struct {
	msgs []sent
}

func (r *recorder) Send(_ context.Context, channel string, payload any) error {
	r.msgs = append(r.msgs, sent{channel, payload})
	return nil
}

func fixed(n int) func(int) int {
	return func(int) int { return n }
}

var testTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestTutor(t *testing.T, cat *fakeCatalog, opts ...Option) (*Tutor, *memStore) {
	t.Helper()
	if cat == nil {
		cat = &fakeCatalog{}
	}
	st := newMemStore()
	opts = append([]Option{WithIntn(fixed(1)), WithClock(func() time.Time { return testTime })}, opts...)
	return New(st, cat, genetics.MustNew(), opts...), st
}

func startedEvent() model.Event {
	return model.Event{
		Actor: model.ActorSystem, Action: "STARTED", Target: "SESSION",
		Username: "alice", Session: "s1",
		Context: map[string]any{"group": "default"},
	}
}

func startedSession(t *testing.T, tu *Tutor) (*model.Session, *recorder) {
	t.Helper()
	sess := model.NewSession("s1")
	rec := &recorder{}
	sess.Attach(rec)
	require.NoError(t, tu.ProcessEvent(context.Background(), sess, startedEvent()))
	return sess, rec
}

func TestRouterMatchIgnoresRegistrationOrder(t *testing.T) {
	a := Route{Triple: SessionStarted, Name: "started"}
	b := Route{Triple: AlleleChanged, Name: "allele"}
	ev := model.Event{Actor: model.ActorUser, Action: "CHANGED", Target: "ALLELE"}

	for _, r := range []*Router{NewRouter(a, b), NewRouter(b, a)} {
		rt, ok := r.Match(ev)
		require.True(t, ok)
		assert.Equal(t, "allele", rt.Name)
	}
}

func TestRouterNoMatch(t *testing.T) {
	r := NewRouter(Route{Triple: SessionStarted, Name: "started"})
	_, ok := r.Match(model.Event{Actor: model.ActorUser, Action: "CLICKED", Target: "BUTTON"})
	assert.False(t, ok)
}

func TestRouterDuplicateUsesFirst(t *testing.T) {
	r := NewRouter()
	r.Add(Route{Triple: SessionEnded, Name: "first"})
	r.Add(Route{Triple: SessionEnded, Name: "second"})
	rt, ok := r.Match(model.Event{Actor: model.ActorSystem, Action: "ENDED", Target: "SESSION"})
	require.True(t, ok)
	assert.Equal(t, "first", rt.Name)
}

func TestStandardRoutesAreUnique(t *testing.T) {
	tu, _ := newTestTutor(t, nil)
	seen := map[model.Triple]bool{}
	for _, rt := range tu.Router().Routes() {
		assert.False(t, seen[rt.Triple], "duplicate route %s", rt.Triple)
		seen[rt.Triple] = true
	}
	assert.Len(t, seen, 5)
}

func TestSessionStarted(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	sess, rec := startedSession(t, tu)

	assert.True(t, sess.Active)
	assert.Equal(t, "alice", sess.StudentID)
	assert.Equal(t, "default", sess.GroupID)
	require.NotNil(t, sess.StartTime)
	assert.Equal(t, testTime, *sess.StartTime)

	st := store.students["alice"]
	require.NotNil(t, st)
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, testTime, st.LastSignIn)

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, model.ChannelDialog, rec.msgs[0].channel)
	d := rec.msgs[0].payload.(*model.Dialog)
	assert.Equal(t, "ITS.HELLO.2", d.ID)
	assert.Equal(t, "Hi there!", d.Text)
	assert.Equal(t, map[string]string{"username": "alice"}, d.Args)

	require.Len(t, sess.Responses, 1)
	assert.Equal(t, "ITS.HELLO.2", sess.Responses[0].ID)
	assert.Equal(t, []string{"session", "student"}, store.saves)
}

func TestGreetingKeepsPlaceholders(t *testing.T) {
	tu, _ := newTestTutor(t, nil, WithIntn(fixed(0)))
	_, rec := startedSession(t, tu)
	require.Len(t, rec.msgs, 1)
	d := rec.msgs[0].payload.(*model.Dialog)
	assert.Equal(t, "ITS.HELLO.1", d.ID)
	assert.Contains(t, d.Text, "{{username}}")
}

func TestNoStudent(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	sess := model.NewSession("s1")
	err := tu.ProcessEvent(context.Background(), sess, model.Event{
		Actor: model.ActorUser, Action: "NAVIGATED", Target: "CHALLENGE", Username: "alice", Session: "s1",
	})
	require.ErrorIs(t, err, ErrNoStudent)
	assert.Empty(t, sess.Events)
	assert.Empty(t, store.saves)
}

func TestUnhandledEventIsRecordedSilently(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	sess, rec := startedSession(t, tu)

	ev := model.Event{Actor: model.ActorUser, Action: "CLICKED", Target: "BUTTON", Username: "alice", Session: "s1"}
	require.NoError(t, tu.ProcessEvent(context.Background(), sess, ev))

	assert.Len(t, rec.msgs, 1)
	require.Len(t, sess.Events, 2)
	assert.Equal(t, "CLICKED", sess.Events[0].Action)
	assert.Equal(t, "STARTED", sess.Events[1].Action)
	assert.Len(t, store.sessions["s1"].Events, 2)
}

func TestSessionEnded(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	sess, rec := startedSession(t, tu)

	end := testTime.Add(time.Hour)
	ev := model.Event{Actor: model.ActorSystem, Action: "ENDED", Target: "SESSION", Username: "alice", Session: "s1", Time: end}
	require.NoError(t, tu.ProcessEvent(context.Background(), sess, ev))

	assert.False(t, sess.Active)
	require.NotNil(t, sess.EndTime)
	assert.Equal(t, end, *sess.EndTime)
	assert.Len(t, rec.msgs, 1)
	assert.False(t, store.sessions["s1"].Active)
}

func TestChallengeNavigated(t *testing.T) {
	tu, _ := newTestTutor(t, nil)
	sess, rec := startedSession(t, tu)

	ev := model.Event{
		Actor: model.ActorUser, Action: "NAVIGATED", Target: "CHALLENGE", Username: "alice", Session: "s1",
		Context: map[string]any{"case": 2, "challenge": "3"},
	}
	require.NoError(t, tu.ProcessEvent(context.Background(), sess, ev))
	require.Len(t, rec.msgs, 2)
	d := rec.msgs[1].payload.(*model.Dialog)
	assert.Equal(t, "ITS.CHALLENGE.INTRO.2", d.ID)
	assert.Equal(t, "Ok! Let's get to work on Case {{case}} Challenge {{challenge}}.", d.Text)
	assert.Equal(t, map[string]string{"case": "2", "challenge": "3"}, d.Args)
}

func TestAlleleChangedVariants(t *testing.T) {
	ev := model.Event{Actor: model.ActorUser, Action: "CHANGED", Target: "ALLELE", Username: "alice", Session: "s1"}

	tests := []struct {
		pick   int
		wantID string
	}{
		{0, "ITS.ALLELE.FEEDBACK.1"},
		{3, "ITS.ALLELE.FEEDBACK.4"},
		{4, ""},
		{5, ""},
	}
	for _, tt := range tests {
		tu, _ := newTestTutor(t, nil)
		sess, rec := startedSession(t, tu)
		tu.intn = fixed(tt.pick)
		require.NoError(t, tu.ProcessEvent(context.Background(), sess, ev))
		if tt.wantID == "" {
			assert.Len(t, rec.msgs, 1, "pick %d", tt.pick)
			continue
		}
		require.Len(t, rec.msgs, 2, "pick %d", tt.pick)
		assert.Equal(t, tt.wantID, rec.msgs[1].payload.(*model.Dialog).ID)
	}
}

func submissionCatalog() *fakeCatalog {
	return &fakeCatalog{
		rules: [][]string{
			{"Name", "Weight", "bool:context.correct"},
			{"wrong", "1", "false"},
		},
		matrix: concepts.Matrix{
			{"Target", "Allele-A", "Allele-B", "Hint-1", "Hint-2", "Hint-3", "LG1.A3"},
			{"Wings", "w", "w", "Wings are dominant.", "W is dominant over w.", "", "-1"},
		},
	}
}

func submittedEvent(correct bool) model.Event {
	return model.Event{
		Actor: model.ActorUser, Action: "SUBMITTED", Target: "ORGANISM", Username: "alice", Session: "s1",
		Context: map[string]any{
			"guideId":         "case1-ch1",
			"editableGenes":   []any{"wings"},
			"species":         "Drake",
			"initialAlleles":  "a:W,b:W",
			"selectedAlleles": "a:w,b:w",
			"targetAlleles":   "a:W,b:w",
			"targetSex":       1,
			"correct":         correct,
		},
	}
}

func TestSubmissionWalksHintLadder(t *testing.T) {
	tu, store := newTestTutor(t, submissionCatalog())
	sess, rec := startedSession(t, tu)
	ctx := context.Background()

	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	require.Len(t, rec.msgs, 2)
	d := rec.msgs[1].payload.(*model.Dialog)
	assert.Equal(t, ConceptFeedbackID, d.ID)
	assert.Equal(t, "Wings are dominant.", d.Text)
	assert.Equal(t, "Wings", d.Args["trait"])
	assert.Equal(t, "LG1.A3", d.Args["concept"])
	assert.Equal(t, "false", d.Args["correct"])

	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	require.Len(t, rec.msgs, 3)
	assert.Equal(t, "W is dominant over w.", rec.msgs[2].payload.(*model.Dialog).Text)

	// The third hint cell is blank: the level still advances but nothing is said.
	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	assert.Len(t, rec.msgs, 3)

	cs := store.students["alice"].ConceptStates["LG1.A3"]
	require.NotNil(t, cs)
	assert.Equal(t, 3, cs.HintLevel)
	assert.Equal(t, -3.0, cs.Value)
}

func TestCorrectSubmissionResetsHints(t *testing.T) {
	tu, store := newTestTutor(t, submissionCatalog())
	sess, rec := startedSession(t, tu)
	ctx := context.Background()

	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(true)))

	assert.Len(t, rec.msgs, 2)
	assert.Equal(t, 0, store.students["alice"].ConceptStates["LG1.A3"].HintLevel)
}

func TestSubmissionWithoutConceptsIsSilent(t *testing.T) {
	tu, _ := newTestTutor(t, &fakeCatalog{})
	sess, rec := startedSession(t, tu)
	require.NoError(t, tu.ProcessEvent(context.Background(), sess, submittedEvent(false)))
	assert.Len(t, rec.msgs, 1)
}

func TestInvalidSubmission(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing guide id", func(c map[string]any) { delete(c, "guideId") }},
		{"no editable genes", func(c map[string]any) { c["editableGenes"] = []any{} }},
		{"missing correct", func(c map[string]any) { delete(c, "correct") }},
		{"missing target sex", func(c map[string]any) { delete(c, "targetSex") }},
		{"bad target sex", func(c map[string]any) { c["targetSex"] = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tu, store := newTestTutor(t, submissionCatalog())
			sess, _ := startedSession(t, tu)
			ev := submittedEvent(false)
			tt.mutate(ev.Context)

			err := tu.ProcessEvent(context.Background(), sess, ev)
			require.ErrorIs(t, err, ErrBadSubmission)
			assert.Equal(t, []string{"session", "student"}, store.saves)
		})
	}
}

func TestPersistenceErrorPropagates(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	store.failSave = errors.New("disk full")
	err := tu.ProcessEvent(context.Background(), model.NewSession("s1"), startedEvent())
	require.ErrorContains(t, err, "disk full")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tu, _ := newTestTutor(t, nil, WithRegisterer(reg))
	sess, _ := startedSession(t, tu)
	ctx := context.Background()

	require.NoError(t, tu.ProcessEvent(ctx, sess, model.Event{Actor: model.ActorUser, Action: "CLICKED", Target: "BUTTON", Username: "alice", Session: "s1"}))
	require.Error(t, tu.ProcessEvent(ctx, model.NewSession("s2"), model.Event{Actor: model.ActorUser, Action: "CHANGED", Target: "ALLELE"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(tu.metrics.events.WithLabelValues("session started", outcomeHandled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tu.metrics.events.WithLabelValues(unmatchedRoute, outcomeUnhandled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tu.metrics.events.WithLabelValues("allele changed", outcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tu.metrics.dialogs.WithLabelValues("ITS.HELLO.2")))
}

func TestMetricsIgnoreClientTriples(t *testing.T) {
	tu, _ := newTestTutor(t, nil, WithRegisterer(prometheus.NewRegistry()))
	sess, _ := startedSession(t, tu)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		ev := model.Event{Actor: model.ActorUser, Action: fmt.Sprintf("X%d", i), Target: "BUTTON", Username: "alice", Session: "s1"}
		require.NoError(t, tu.ProcessEvent(ctx, sess, ev))
	}

	// One series for the start, one shared by every unrouted event.
	assert.Equal(t, 2, testutil.CollectAndCount(tu.metrics.events))
	assert.Equal(t, 2, testutil.CollectAndCount(tu.metrics.duration))
	assert.Equal(t, 200.0, testutil.ToFloat64(tu.metrics.events.WithLabelValues(unmatchedRoute, outcomeUnhandled)))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size())
}

func TestDisconnect(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	sess, rec := startedSession(t, tu)

	require.NoError(t, tu.Disconnect(context.Background(), sess))
	assert.False(t, store.sessions["s1"].Active)
	assert.Equal(t, "alice", store.sessions["s1"].StudentID)

	// Nothing is emitted once detached.
	require.NoError(t, sess.Emit(context.Background(), model.ChannelDialog, "x"))
	assert.Len(t, rec.msgs, 1)
}

func TestConnectionsShareSessionHistory(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	ctx := context.Background()
	navigated := model.Event{Actor: model.ActorUser, Action: "NAVIGATED", Target: "CHALLENGE", Username: "alice", Session: "s1"}

	first, second := model.NewSession("s1"), model.NewSession("s1")
	firstRec, secondRec := &recorder{}, &recorder{}
	first.Attach(firstRec)
	second.Attach(secondRec)

	require.NoError(t, tu.ProcessEvent(ctx, first, startedEvent()))
	require.NoError(t, tu.ProcessEvent(ctx, second, startedEvent()))
	require.NoError(t, tu.ProcessEvent(ctx, first, navigated))
	require.NoError(t, tu.ProcessEvent(ctx, second, navigated))

	assert.Len(t, store.sessions["s1"].Events, 4)
	assert.Len(t, store.sessions["s1"].Responses, 4)
	assert.Len(t, second.Events, 4)
	// Replies go to the connection that sent the event.
	assert.Len(t, firstRec.msgs, 2)
	assert.Len(t, secondRec.msgs, 2)
}

func TestConcurrentConnectionsKeepEveryEvent(t *testing.T) {
	tu, store := newTestTutor(t, nil)
	ctx := context.Background()
	require.NoError(t, tu.ProcessEvent(ctx, model.NewSession("s1"), startedEvent()))

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := model.NewSession("s1")
			for i := 0; i < 10; i++ {
				ev := model.Event{Actor: model.ActorUser, Action: "CLICKED", Target: "BUTTON", Username: "alice", Session: "s1"}
				assert.NoError(t, tu.ProcessEvent(ctx, sess, ev))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, store.sessions["s1"].Events, 41)
}

func TestSubmissionFallsBackToRuleText(t *testing.T) {
	cat := &fakeCatalog{
		rules: [][]string{
			{"Name", "Weight", "bool:context.correct", "Hint-1", "Hint-2"},
			{"wrong", "1", "false", "Check the wings again.", ""},
		},
		matrix: concepts.Matrix{
			{"Target", "Allele-A", "Allele-B", "LG1.A3"},
			{"Wings", "w", "w", "-1"},
		},
	}
	tu, _ := newTestTutor(t, cat)
	sess, rec := startedSession(t, tu)
	ctx := context.Background()

	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	require.Len(t, rec.msgs, 2)
	d := rec.msgs[1].payload.(*model.Dialog)
	assert.Equal(t, ConceptFeedbackID, d.ID)
	assert.Equal(t, "Check the wings again.", d.Text)
	assert.Equal(t, "LG1.A3", d.Args["concept"])

	// The rule has no second text, so the next attempt is silent.
	require.NoError(t, tu.ProcessEvent(ctx, sess, submittedEvent(false)))
	assert.Len(t, rec.msgs, 2)
}

func TestResetStudentWaitsForStudentLock(t *testing.T) {
	tu, store := newTestTutor(t, submissionCatalog())
	startedSession(t, tu)
	ctx := context.Background()

	unlock := tu.students.Lock("alice")
	done := make(chan *model.Student, 1)
	go func() {
		st, err := tu.ResetStudent(ctx, "alice")
		assert.NoError(t, err)
		done <- st
	}()

	select {
	case <-done:
		t.Fatal("reset ran while the student was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	st := <-done
	require.NotNil(t, st)
	assert.Zero(t, st.TotalSessions)
	assert.Zero(t, store.students["alice"].TotalSessions)

	_, err := tu.ResetStudent(ctx, "nobody")
	assert.ErrorIs(t, err, errNotFound)
}
