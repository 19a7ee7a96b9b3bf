// Package votes enforces one vote per student per poll and aggregates results.
package votes

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/storage"
)

// Broadcaster publishes an event to a poll's room.
type Broadcaster interface {
	Publish(pollID uuid.UUID, event string, payload interface{})
}

// closedFeedRetention is how long a finalized poll's feed is kept to swallow late snapshots.
const closedFeedRetention = 5 * time.Minute

// Ledger records votes and publishes result snapshots.
// The (poll_id, student_id) unique constraint is the final guard against racing submissions.
type Ledger struct {
	store  storage.Gateway
	hub    Broadcaster
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	feeds  map[uuid.UUID]*feed
	closed map[uuid.UUID]time.Time // finalized polls, pruned after closedFeedRetention
}

// feed serializes results:updated for one poll.
type feed struct {
	mu     sync.Mutex
	total  int // last published total
	closed bool
}

// NewLedger creates a vote ledger.
func NewLedger(store storage.Gateway, hub Broadcaster, clk clock.Clock, logger *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		hub:    hub,
		clock:  clk,
		logger: logger,
		feeds:  make(map[uuid.UUID]*feed),
		closed: make(map[uuid.UUID]time.Time),
	}
}

// SubmitVote records studentID's choice of optionID and publishes results:updated.
// Preconditions are checked in order: poll ACTIVE, before deadline, option in poll,
// student exists, not yet voted.
func (l *Ledger) SubmitVote(ctx context.Context, pollID, studentID, optionID uuid.UUID) (*models.Results, error) {
	p, err := l.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, storage.AppError(err, "poll").WithPoll(pollID).WithStudent(studentID)
	}
	if p.Status != models.PollActive {
		return nil, apperr.PollNotActive(pollID, "poll is not accepting votes").WithStudent(studentID)
	}
	now := l.clock.Now().UTC()
	if !p.AcceptsVotesAt(now) {
		return nil, apperr.PollNotActive(pollID, "voting deadline has passed").WithStudent(studentID)
	}
	if !hasOption(p, optionID) {
		return nil, apperr.NotFound("option does not belong to this poll").WithPoll(pollID)
	}
	if _, err := l.store.GetStudent(ctx, studentID); err != nil {
		return nil, storage.AppError(err, "student").WithPoll(pollID).WithStudent(studentID)
	}
	voted, err := l.store.HasVoted(ctx, pollID, studentID)
	if err != nil {
		return nil, apperr.Internal(err, "check vote").WithPoll(pollID)
	}
	if voted {
		return nil, apperr.DuplicateVote(pollID, studentID)
	}

	v := &models.Vote{ID: uuid.New(), PollID: pollID, StudentID: studentID, OptionID: optionID, CreatedAt: now, UpdatedAt: now}
	if err := l.store.InsertVote(ctx, v); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			l.logger.Debug("duplicate vote rejected by constraint",
				zap.String("poll_id", pollID.String()), zap.String("student_id", studentID.String()))
			return nil, apperr.DuplicateVote(pollID, studentID)
		}
		if errors.Is(err, storage.ErrConflict) {
			// closed or expired after the checks above
			return nil, apperr.PollNotActive(pollID, "poll is not accepting votes").WithStudent(studentID)
		}
		return nil, apperr.Internal(err, "record vote").WithPoll(pollID).WithStudent(studentID)
	}

	results, err := l.Snapshot(ctx, p, false)
	if err != nil {
		return nil, err
	}
	l.publish(results)
	return results, nil
}

func hasOption(p *models.Poll, optionID uuid.UUID) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

func (l *Ledger) feed(pollID uuid.UUID) *feed {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.feeds[pollID]
	if !ok {
		f = &feed{}
		l.feeds[pollID] = f
	}
	return f
}

// publish emits results:updated unless a snapshot with more votes already went out
// or the poll was finalized. Only the poll's own feed is locked while publishing.
func (l *Ledger) publish(res *models.Results) {
	f := l.feed(res.PollID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || res.TotalVotes < f.total {
		return
	}
	f.total = res.TotalVotes
	l.hub.Publish(res.PollID, realtime.EventResultsUpdated, res)
}

// Finalize stops results:updated for a closed poll. It returns after any in-flight
// publish for the poll, and drops feeds finalized more than closedFeedRetention ago.
func (l *Ledger) Finalize(pollID uuid.UUID) {
	f := l.feed(pollID)
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed[pollID] = now
	for id, at := range l.closed {
		if now.Sub(at) >= closedFeedRetention {
			delete(l.closed, id)
			delete(l.feeds, id)
		}
	}
}

// GetResults returns the poll's tally. Correct options are included once CLOSED or for the owner.
func (l *Ledger) GetResults(ctx context.Context, pollID uuid.UUID, viewer models.Identity) (*models.Results, error) {
	p, err := l.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, storage.AppError(err, "poll").WithPoll(pollID)
	}
	return l.Snapshot(ctx, p, p.Status == models.PollClosed || viewer.IsTeacher(p.TeacherID))
}

// HasVoted reports whether studentID already voted on pollID.
func (l *Ledger) HasVoted(ctx context.Context, pollID, studentID uuid.UUID) (bool, error) {
	if _, err := l.store.GetPoll(ctx, pollID); err != nil {
		return false, storage.AppError(err, "poll").WithPoll(pollID)
	}
	voted, err := l.store.HasVoted(ctx, pollID, studentID)
	if err != nil {
		return false, apperr.Internal(err, "check vote").WithPoll(pollID)
	}
	return voted, nil
}

// Snapshot aggregates p's votes. p must carry its options.
func (l *Ledger) Snapshot(ctx context.Context, p *models.Poll, reveal bool) (*models.Results, error) {
	counts, err := l.store.CountVotes(ctx, p.ID)
	if err != nil {
		return nil, apperr.Internal(err, "count votes").WithPoll(p.ID)
	}
	return Tally(p, counts, reveal, l.clock.Now().UTC()), nil
}

// Tally builds results from per-option counts. Percentages are rounded to one decimal
// and are all zero when there are no votes.
func Tally(p *models.Poll, counts map[uuid.UUID]int, reveal bool, at time.Time) *models.Results {
	res := &models.Results{
		PollID:     p.ID,
		Status:     p.Status,
		Options:    make([]models.OptionResult, 0, len(p.Options)),
		ComputedAt: at,
	}
	for _, o := range p.Options {
		res.TotalVotes += counts[o.ID]
	}
	for _, o := range p.Options {
		n := counts[o.ID]
		pct := 0.0
		if res.TotalVotes > 0 {
			pct = math.Round(float64(n)*1000/float64(res.TotalVotes)) / 10
		}
		res.Options = append(res.Options, models.OptionResult{OptionID: o.ID, Text: o.Text, Count: n, Percentage: pct})
		if reveal && o.Correct {
			res.CorrectOptionIDs = append(res.CorrectOptionIDs, o.ID)
		}
	}
	return res
}
