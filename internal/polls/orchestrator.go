// Package polls owns the poll lifecycle: PENDING -> ACTIVE -> CLOSED.
package polls

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/scheduler"
	"github.com/aura-classroom/backend/internal/storage"
)

const (
	MinQuestionLength = 5
	MinOptions        = 2
	MaxOptions        = 10
	MinTimeLimit      = 10
	MaxTimeLimit      = 300

	deadlineTimeout = 10 * time.Second
)

// Broadcaster publishes an event to a poll's room.
type Broadcaster interface {
	Publish(pollID uuid.UUID, event string, payload interface{})
}

// ResultsProvider computes a poll's result snapshot. Finalize is called once the poll is
// CLOSED and before poll:ended goes out; no results:updated may follow it.
type ResultsProvider interface {
	Snapshot(ctx context.Context, p *models.Poll, reveal bool) (*models.Results, error)
	Finalize(pollID uuid.UUID)
}

// CreateInput is the input for CreatePoll.
type CreateInput struct {
	Question         string             `json:"question"`
	Options          []models.NewOption `json:"options"`
	TimeLimitSeconds int                `json:"time_limit_seconds"`
}

// StartedPayload is the poll:started event.
type StartedPayload struct {
	PollID           uuid.UUID         `json:"poll_id"`
	Status           models.PollStatus `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	TimeLimitSeconds int               `json:"time_limit_seconds"`
	DeadlineAt       time.Time         `json:"deadline_at"`
	ServerTime       time.Time         `json:"server_time"`
	Poll             models.PollView   `json:"poll"`
}

// EndedPayload is the poll:ended event.
type EndedPayload struct {
	PollID  uuid.UUID        `json:"poll_id"`
	Reason  models.EndReason `json:"reason"`
	EndedAt time.Time        `json:"ended_at"`
	Results *models.Results  `json:"results"`
}

// Orchestrator runs the poll state machine. Status transitions are compare-and-set
// updates in storage, so racing callers resolve to exactly one winner.
type Orchestrator struct {
	store   storage.Gateway
	results ResultsProvider
	hub     Broadcaster
	sched   *scheduler.Scheduler
	clock   clock.Clock
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator. sched must use the same clock as clk.
func NewOrchestrator(store storage.Gateway, results ResultsProvider, hub Broadcaster, sched *scheduler.Scheduler, clk clock.Clock, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: store, results: results, hub: hub, sched: sched, clock: clk, logger: logger}
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now().UTC()
}

// CreatePoll validates and persists a PENDING poll with its options.
func (o *Orchestrator) CreatePoll(ctx context.Context, teacherID uuid.UUID, in CreateInput) (*models.Poll, error) {
	question := strings.TrimSpace(in.Question)
	if utf8.RuneCountInString(question) < MinQuestionLength {
		return nil, apperr.Validation("question must be at least %d characters", MinQuestionLength)
	}
	if len(in.Options) < MinOptions || len(in.Options) > MaxOptions {
		return nil, apperr.Validation("a poll needs %d to %d options", MinOptions, MaxOptions)
	}
	if in.TimeLimitSeconds < MinTimeLimit || in.TimeLimitSeconds > MaxTimeLimit {
		return nil, apperr.Validation("time limit must be between %d and %d seconds", MinTimeLimit, MaxTimeLimit)
	}

	now := o.now()
	p := &models.Poll{
		ID:               uuid.New(),
		TeacherID:        teacherID,
		Question:         question,
		Status:           models.PollPending,
		TimeLimitSeconds: in.TimeLimitSeconds,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	seen := make(map[string]struct{}, len(in.Options))
	hasCorrect := false
	options := make([]models.PollOption, 0, len(in.Options))
	for i, opt := range in.Options {
		text := strings.TrimSpace(opt.Text)
		if text == "" {
			return nil, apperr.Validation("option %d is empty", i+1)
		}
		if _, dup := seen[text]; dup {
			return nil, apperr.Validation("option %q appears more than once", text)
		}
		seen[text] = struct{}{}
		hasCorrect = hasCorrect || opt.Correct
		options = append(options, models.PollOption{ID: uuid.New(), PollID: p.ID, Text: text, Correct: opt.Correct, Position: i})
	}
	if !hasCorrect {
		return nil, apperr.Validation("at least one option must be marked correct")
	}

	if _, err := o.store.GetTeacher(ctx, teacherID); err != nil {
		return nil, storage.AppError(err, "teacher")
	}
	if err := o.store.CreatePoll(ctx, p, options); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Validation("option text must be unique")
		}
		return nil, apperr.Internal(err, "create poll")
	}
	p.Options = options

	o.logger.Info("poll created", zap.String("poll_id", p.ID.String()), zap.String("teacher_id", teacherID.String()))
	o.hub.Publish(p.ID, realtime.EventPollCreated, models.NewPollView(p, now, false))
	return p, nil
}

func (o *Orchestrator) load(ctx context.Context, pollID uuid.UUID) (*models.Poll, error) {
	p, err := o.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, storage.AppError(err, "poll").WithPoll(pollID)
	}
	return p, nil
}

// RequireOwner loads the poll and checks that actor is its teacher.
func (o *Orchestrator) RequireOwner(ctx context.Context, pollID uuid.UUID, actor models.Identity) (*models.Poll, error) {
	if actor.Role != models.RoleTeacher {
		return nil, apperr.Forbidden("only teachers can manage polls")
	}
	p, err := o.load(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !actor.IsTeacher(p.TeacherID) {
		return nil, apperr.Forbidden("poll belongs to another teacher").WithPoll(pollID)
	}
	return p, nil
}

// StartPoll moves a PENDING poll to ACTIVE, arms its deadline and publishes poll:started.
func (o *Orchestrator) StartPoll(ctx context.Context, pollID uuid.UUID) (*models.Poll, error) {
	p, err := o.load(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PollPending {
		return nil, apperr.Conflict("poll is %s, only PENDING polls can be started", p.Status).WithPoll(pollID)
	}

	now := o.now()
	if err := o.store.StartPoll(ctx, pollID, now); err != nil {
		if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Internal(err, "start poll").WithPoll(pollID)
		}
		current, loadErr := o.load(ctx, pollID)
		if loadErr == nil && current.Status != models.PollPending {
			return nil, apperr.Conflict("poll is %s, only PENDING polls can be started", current.Status).WithPoll(pollID)
		}
		return nil, apperr.Conflict("teacher already has an active poll").WithPoll(pollID)
	}
	p.Status = models.PollActive
	p.StartedAt = &now
	p.UpdatedAt = now

	deadline, _ := p.Deadline()
	o.arm(pollID, deadline)

	o.logger.Info("poll started",
		zap.String("poll_id", pollID.String()),
		zap.String("teacher_id", p.TeacherID.String()),
		zap.Time("deadline", deadline))
	o.hub.Publish(pollID, realtime.EventPollStarted, StartedPayload{
		PollID:           pollID,
		Status:           p.Status,
		StartedAt:        now,
		TimeLimitSeconds: p.TimeLimitSeconds,
		DeadlineAt:       deadline,
		ServerTime:       now,
		Poll:             models.NewPollView(p, now, false),
	})
	o.publishUpdated(p, now)
	return p, nil
}

// publishUpdated sends the poll read model after a status transition.
func (o *Orchestrator) publishUpdated(p *models.Poll, now time.Time) {
	o.hub.Publish(p.ID, realtime.EventPollUpdated, models.NewPollView(p, now, p.Status == models.PollClosed))
}

func (o *Orchestrator) arm(pollID uuid.UUID, deadline time.Time) {
	o.sched.Schedule(pollID, deadline, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deadlineTimeout)
		defer cancel()
		if _, err := o.EndPoll(ctx, pollID, models.EndTimeout); err != nil {
			o.logger.Error("timeout close failed", zap.String("poll_id", pollID.String()), zap.Error(err))
		}
	})
}

// EndPoll closes an ACTIVE poll and publishes poll:ended with the final results.
// Ending a poll that is already CLOSED returns its results without error or event.
func (o *Orchestrator) EndPoll(ctx context.Context, pollID uuid.UUID, reason models.EndReason) (*models.Results, error) {
	return o.end(ctx, pollID, reason, false)
}

// EndPollOnce is EndPoll for callers that need a fresh transition; a CLOSED poll is a Conflict.
func (o *Orchestrator) EndPollOnce(ctx context.Context, pollID uuid.UUID, reason models.EndReason) (*models.Results, error) {
	return o.end(ctx, pollID, reason, true)
}

func (o *Orchestrator) end(ctx context.Context, pollID uuid.UUID, reason models.EndReason, fresh bool) (*models.Results, error) {
	p, err := o.load(ctx, pollID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.PollPending:
		return nil, apperr.Conflict("poll has not started").WithPoll(pollID)
	case models.PollClosed:
		o.sched.Cancel(pollID)
		return o.closedResults(ctx, p, fresh)
	}

	o.sched.Cancel(pollID)
	now := o.now()
	if err := o.store.ClosePoll(ctx, pollID, now); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, apperr.Internal(err, "close poll").WithPoll(pollID)
		}
		// another caller closed it first
		current, err := o.load(ctx, pollID)
		if err != nil {
			return nil, err
		}
		return o.closedResults(ctx, current, fresh)
	}
	p.Status = models.PollClosed
	p.EndedAt = &now
	p.UpdatedAt = now
	o.results.Finalize(pollID)

	results, err := o.results.Snapshot(ctx, p, true)
	if err != nil {
		// CLOSED is committed; announce it without a tally
		o.logger.Error("final results unavailable",
			zap.String("poll_id", pollID.String()),
			zap.String("reason", string(reason)),
			zap.Error(err))
		degraded := &models.Results{PollID: pollID, Status: models.PollClosed, Options: []models.OptionResult{}, ComputedAt: now}
		o.hub.Publish(pollID, realtime.EventPollEnded, EndedPayload{PollID: pollID, Reason: reason, EndedAt: now, Results: degraded})
		o.publishUpdated(p, now)
		return nil, err
	}
	o.logger.Info("poll ended",
		zap.String("poll_id", pollID.String()),
		zap.String("reason", string(reason)),
		zap.Int("total_votes", results.TotalVotes))
	o.hub.Publish(pollID, realtime.EventPollEnded, EndedPayload{PollID: pollID, Reason: reason, EndedAt: now, Results: results})
	o.publishUpdated(p, now)
	return results, nil
}

func (o *Orchestrator) closedResults(ctx context.Context, p *models.Poll, fresh bool) (*models.Results, error) {
	if fresh {
		return nil, apperr.Conflict("poll is already closed").WithPoll(p.ID)
	}
	o.logger.Debug("end on closed poll ignored", zap.String("poll_id", p.ID.String()))
	return o.results.Snapshot(ctx, p, true)
}

// CloseAllActive closes every ACTIVE poll owned by teacherID and returns their final results.
func (o *Orchestrator) CloseAllActive(ctx context.Context, teacherID uuid.UUID) ([]*models.Results, error) {
	active, err := o.store.ListActivePolls(ctx, &teacherID)
	if err != nil {
		return nil, apperr.Internal(err, "list active polls")
	}
	out := make([]*models.Results, 0, len(active))
	for _, p := range active {
		res, err := o.EndPoll(ctx, p.ID, models.EndTeacherClose)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	if len(active) > 0 {
		o.logger.Info("closed all active polls", zap.String("teacher_id", teacherID.String()), zap.Int("count", len(active)))
	}
	return out, nil
}

// GetActivePoll returns the teacher's ACTIVE poll, or nil when there is none.
func (o *Orchestrator) GetActivePoll(ctx context.Context, teacherID uuid.UUID, viewer models.Identity) (*models.PollView, error) {
	if _, err := o.store.GetTeacher(ctx, teacherID); err != nil {
		return nil, storage.AppError(err, "teacher")
	}
	active, err := o.store.ListActivePolls(ctx, &teacherID)
	if err != nil {
		return nil, apperr.Internal(err, "list active polls")
	}
	if len(active) == 0 {
		return nil, nil
	}
	return o.GetPoll(ctx, active[0].ID, viewer)
}

// GetPoll returns the client view of a poll. Correct flags are shown to the owner or once CLOSED.
func (o *Orchestrator) GetPoll(ctx context.Context, pollID uuid.UUID, viewer models.Identity) (*models.PollView, error) {
	p, err := o.load(ctx, pollID)
	if err != nil {
		return nil, err
	}
	reveal := p.Status == models.PollClosed || viewer.IsTeacher(p.TeacherID)
	v := models.NewPollView(p, o.now(), reveal)
	return &v, nil
}

// Recover re-arms deadlines for ACTIVE polls after a restart and closes those already overdue.
func (o *Orchestrator) Recover(ctx context.Context) (closed, rearmed int, err error) {
	active, err := o.store.ListActivePolls(ctx, nil)
	if err != nil {
		return 0, 0, apperr.Internal(err, "list active polls")
	}
	now := o.now()
	for _, p := range active {
		deadline, ok := p.Deadline()
		if ok && now.Before(deadline) {
			o.arm(p.ID, deadline)
			rearmed++
			continue
		}
		if _, err := o.EndPoll(ctx, p.ID, models.EndTimeout); err != nil {
			return closed, rearmed, err
		}
		closed++
	}
	o.logger.Info("poll deadlines recovered", zap.Int("closed", closed), zap.Int("rearmed", rearmed))
	return closed, rearmed, nil
}

// Shutdown disarms every deadline. Polls stay ACTIVE and are picked up by Recover on next start.
func (o *Orchestrator) Shutdown() {
	o.sched.Stop()
}
