package votes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/storage"
	"github.com/aura-classroom/backend/internal/testutil"
)

type fixture struct {
	store  storage.Gateway
	clock  *clock.Mock
	events *testutil.Recorder
	ledger *Ledger
	poll   *models.Poll
}

// newActivePoll creates "Capital of France?" with Paris, London and Berlin and starts it at the mock clock's time.
func newActivePoll(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: testutil.NewStore(t), clock: clock.NewMock(), events: &testutil.Recorder{}}
	f.clock.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.ledger = NewLedger(f.store, f.events, f.clock, zap.NewNop())

	teacher := testutil.CreateTeacher(t, f.store, "Ms. Ada")
	f.poll = testutil.CreateTestPoll(t, f.store, teacher.ID, "Capital of France?", 60, "Paris", "London", "Berlin")
	require.NoError(t, f.store.StartPoll(context.Background(), f.poll.ID, f.clock.Now()))
	return f
}

func (f *fixture) option(i int) uuid.UUID {
	return f.poll.Options[i].ID
}

func TestSubmitVoteTallies(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()

	choices := []int{0, 0, 1}
	students := make([]*models.Student, len(choices))
	var last *models.Results
	for i, c := range choices {
		students[i] = testutil.CreateStudent(t, f.store, "student")
		res, err := f.ledger.SubmitVote(ctx, f.poll.ID, students[i].ID, f.option(c))
		require.NoError(t, err)
		assert.Equal(t, i+1, res.TotalVotes)
		assert.Empty(t, res.CorrectOptionIDs, "answers stay hidden while ACTIVE")
		last = res
	}

	require.Len(t, last.Options, 3)
	assert.Equal(t, "Paris", last.Options[0].Text)
	assert.Equal(t, 2, last.Options[0].Count)
	assert.Equal(t, 66.7, last.Options[0].Percentage)
	assert.Equal(t, 1, last.Options[1].Count)
	assert.Equal(t, 33.3, last.Options[1].Percentage)
	assert.Equal(t, 0, last.Options[2].Count)
	assert.Equal(t, 0.0, last.Options[2].Percentage)

	updates := f.events.Named(realtime.EventResultsUpdated)
	require.Len(t, updates, 3)
	for i, e := range updates {
		assert.Equal(t, f.poll.ID, e.PollID)
		assert.Equal(t, i+1, e.Payload.(*models.Results).TotalVotes)
	}

	// the first voter tries again with a different option
	_, err := f.ledger.SubmitVote(ctx, f.poll.ID, students[0].ID, f.option(2))
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateVote))
	res, err := f.ledger.GetResults(ctx, f.poll.ID, models.Identity{ID: students[0].ID, Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalVotes)
	assert.Equal(t, 3, f.events.Count(realtime.EventResultsUpdated))
}

func TestConcurrentDuplicateVotesOneWins(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	student := testutil.CreateStudent(t, f.store, "Bo")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, f.option(i%3))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperr.IsKind(err, apperr.KindDuplicateVote), "got %v", err)
	}
	assert.Equal(t, 1, ok)

	counts, err := f.store.CountVotes(ctx, f.poll.ID)
	require.NoError(t, err)
	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 1, total)
}

func TestSubmitVoteRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("pending poll", func(t *testing.T) {
		f := newActivePoll(t)
		teacher := testutil.CreateTeacher(t, f.store, "Mr. Turing")
		pending := testutil.CreateTestPoll(t, f.store, teacher.ID, "Largest planet?", 30, "Jupiter", "Mars")
		student := testutil.CreateStudent(t, f.store, "Bo")
		_, err := f.ledger.SubmitVote(ctx, pending.ID, student.ID, pending.Options[0].ID)
		assert.True(t, apperr.IsKind(err, apperr.KindPollNotActive))
	})

	t.Run("closed poll", func(t *testing.T) {
		f := newActivePoll(t)
		require.NoError(t, f.store.ClosePoll(ctx, f.poll.ID, f.clock.Now()))
		student := testutil.CreateStudent(t, f.store, "Bo")
		_, err := f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, f.option(0))
		assert.True(t, apperr.IsKind(err, apperr.KindPollNotActive))
	})

	t.Run("deadline passed before close", func(t *testing.T) {
		f := newActivePoll(t)
		student := testutil.CreateStudent(t, f.store, "Bo")
		f.clock.Add(60 * time.Second)
		_, err := f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, f.option(0))
		assert.True(t, apperr.IsKind(err, apperr.KindPollNotActive))
	})

	t.Run("option from another poll", func(t *testing.T) {
		f := newActivePoll(t)
		student := testutil.CreateStudent(t, f.store, "Bo")
		_, err := f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, uuid.New())
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("unknown poll", func(t *testing.T) {
		f := newActivePoll(t)
		_, err := f.ledger.SubmitVote(ctx, uuid.New(), uuid.New(), f.option(0))
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("unknown student", func(t *testing.T) {
		f := newActivePoll(t)
		_, err := f.ledger.SubmitVote(ctx, f.poll.ID, uuid.New(), f.option(0))
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
		assert.Zero(t, f.events.Count(realtime.EventResultsUpdated))
	})
}

func TestGetResultsReveal(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	owner := models.Identity{ID: f.poll.TeacherID, Role: models.RoleTeacher}
	student := models.Identity{ID: uuid.New(), Role: models.RoleStudent}

	res, err := f.ledger.GetResults(ctx, f.poll.ID, student)
	require.NoError(t, err)
	assert.Zero(t, res.TotalVotes)
	assert.Empty(t, res.CorrectOptionIDs)
	for _, o := range res.Options {
		assert.Equal(t, 0.0, o.Percentage)
	}

	res, err = f.ledger.GetResults(ctx, f.poll.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.option(0)}, res.CorrectOptionIDs)

	require.NoError(t, f.store.ClosePoll(ctx, f.poll.ID, f.clock.Now()))
	res, err = f.ledger.GetResults(ctx, f.poll.ID, student)
	require.NoError(t, err)
	assert.Equal(t, models.PollClosed, res.Status)
	assert.Equal(t, []uuid.UUID{f.option(0)}, res.CorrectOptionIDs)

	_, err = f.ledger.GetResults(ctx, uuid.New(), student)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestHasVoted(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	student := testutil.CreateStudent(t, f.store, "Bo")

	voted, err := f.ledger.HasVoted(ctx, f.poll.ID, student.ID)
	require.NoError(t, err)
	assert.False(t, voted)

	_, err = f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, f.option(1))
	require.NoError(t, err)
	voted, err = f.ledger.HasVoted(ctx, f.poll.ID, student.ID)
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestPublishNeverGoesBackwards(t *testing.T) {
	events := &testutil.Recorder{}
	l := NewLedger(nil, events, clock.NewMock(), nil)
	pollID := uuid.New()

	l.publish(&models.Results{PollID: pollID, TotalVotes: 2})
	l.publish(&models.Results{PollID: pollID, TotalVotes: 1})
	l.publish(&models.Results{PollID: pollID, TotalVotes: 2})
	l.publish(&models.Results{PollID: pollID, TotalVotes: 3})

	var totals []int
	for _, e := range events.Named(realtime.EventResultsUpdated) {
		totals = append(totals, e.Payload.(*models.Results).TotalVotes)
	}
	assert.Equal(t, []int{2, 2, 3}, totals)
}

func TestTally(t *testing.T) {
	p := &models.Poll{ID: uuid.New(), Status: models.PollActive, Options: []models.PollOption{
		{ID: uuid.New(), Text: "A", Correct: true},
		{ID: uuid.New(), Text: "B"},
		{ID: uuid.New(), Text: "C"},
	}}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		counts []int
		want   []float64
	}{
		{"no votes", []int{0, 0, 0}, []float64{0, 0, 0}},
		{"thirds", []int{1, 1, 1}, []float64{33.3, 33.3, 33.3}},
		{"one of eight", []int{1, 7, 0}, []float64{12.5, 87.5, 0}},
		{"two of three", []int{2, 1, 0}, []float64{66.7, 33.3, 0}},
		{"unanimous", []int{0, 0, 4}, []float64{0, 0, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts := map[uuid.UUID]int{}
			for i, n := range tt.counts {
				if n > 0 {
					counts[p.Options[i].ID] = n
				}
			}
			res := Tally(p, counts, false, at)
			got := make([]float64, len(res.Options))
			for i, o := range res.Options {
				got[i] = o.Percentage
			}
			assert.Equal(t, tt.want, got)
			assert.Empty(t, res.CorrectOptionIDs)
		})
	}

	revealed := Tally(p, nil, true, at)
	assert.Equal(t, []uuid.UUID{p.Options[0].ID}, revealed.CorrectOptionIDs)
	assert.Equal(t, at, revealed.ComputedAt)
}

// closingGateway closes the poll right before each vote insert, as a concurrent end would.
type closingGateway struct {
	storage.Gateway
}

func (g closingGateway) InsertVote(ctx context.Context, v *models.Vote) error {
	if err := g.ClosePoll(ctx, v.PollID, v.CreatedAt); err != nil {
		return err
	}
	return g.Gateway.InsertVote(ctx, v)
}

func TestSubmitVoteLosesRaceWithClose(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	l := NewLedger(closingGateway{f.store}, f.events, f.clock, zap.NewNop())
	student := testutil.CreateStudent(t, f.store, "Bo")

	_, err := l.SubmitVote(ctx, f.poll.ID, student.ID, f.option(0))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindPollNotActive))

	p, err := f.store.GetPoll(ctx, f.poll.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PollClosed, p.Status)
	counts, err := f.store.CountVotes(ctx, f.poll.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Zero(t, f.events.Count(realtime.EventResultsUpdated))
}

// stallingBroadcaster blocks publishes for one poll until release is closed.
type stallingBroadcaster struct {
	testutil.Recorder
	stalled uuid.UUID
	entered chan struct{}
	release chan struct{}
}

func (b *stallingBroadcaster) Publish(pollID uuid.UUID, event string, payload interface{}) {
	if pollID == b.stalled {
		close(b.entered)
		<-b.release
	}
	b.Recorder.Publish(pollID, event, payload)
}

func TestSlowPublishDoesNotBlockOtherPolls(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	hub := &stallingBroadcaster{stalled: f.poll.ID, entered: make(chan struct{}), release: make(chan struct{})}
	l := NewLedger(f.store, hub, f.clock, zap.NewNop())

	other := testutil.CreateTeacher(t, f.store, "Mr. Turing")
	second := testutil.CreateTestPoll(t, f.store, other.ID, "Largest planet?", 60, "Jupiter", "Mars")
	require.NoError(t, f.store.StartPoll(ctx, second.ID, f.clock.Now()))

	first := testutil.CreateStudent(t, f.store, "Ana")
	stalledDone := make(chan error, 1)
	go func() {
		_, err := l.SubmitVote(ctx, f.poll.ID, first.ID, f.option(0))
		stalledDone <- err
	}()
	<-hub.entered

	student := testutil.CreateStudent(t, f.store, "Bo")
	done := make(chan error, 1)
	go func() {
		_, err := l.SubmitVote(ctx, second.ID, student.ID, second.Options[0].ID)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		close(hub.release)
		t.Fatal("vote on an unrelated poll waited for a stalled publish")
	}
	assert.Equal(t, 1, hub.Count(realtime.EventResultsUpdated))

	close(hub.release)
	require.NoError(t, <-stalledDone)
	assert.Equal(t, 2, hub.Count(realtime.EventResultsUpdated))
}

func TestFinalizeStopsUpdatesAndPrunes(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()
	student := testutil.CreateStudent(t, f.store, "Bo")
	res, err := f.ledger.SubmitVote(ctx, f.poll.ID, student.ID, f.option(0))
	require.NoError(t, err)
	require.Equal(t, 1, f.events.Count(realtime.EventResultsUpdated))

	f.ledger.Finalize(f.poll.ID)
	late := *res
	late.TotalVotes = 2
	f.ledger.publish(&late)
	assert.Equal(t, 1, f.events.Count(realtime.EventResultsUpdated), "no updates after finalize")

	feeds := func() int {
		f.ledger.mu.Lock()
		defer f.ledger.mu.Unlock()
		return len(f.ledger.feeds)
	}
	assert.Equal(t, 1, feeds())

	f.clock.Add(closedFeedRetention)
	next := uuid.New()
	f.ledger.Finalize(next)
	f.ledger.mu.Lock()
	_, kept := f.ledger.feeds[f.poll.ID]
	f.ledger.mu.Unlock()
	assert.False(t, kept)
	assert.Equal(t, 1, feeds())
}

func TestNotFoundCarriesIDs(t *testing.T) {
	f := newActivePoll(t)
	ctx := context.Background()

	missing := uuid.New()
	_, err := f.ledger.SubmitVote(ctx, missing, uuid.New(), f.option(0))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindNotFound, appErr.Kind)
	assert.Equal(t, missing, appErr.PollID)

	unknown := uuid.New()
	_, err = f.ledger.SubmitVote(ctx, f.poll.ID, unknown, f.option(0))
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, f.poll.ID, appErr.PollID)
	assert.Equal(t, unknown, appErr.StudentID)

	_, err = f.ledger.GetResults(ctx, missing, models.Identity{ID: uuid.New(), Role: models.RoleStudent})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, missing, appErr.PollID)
}
