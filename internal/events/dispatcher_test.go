package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/internal/presence"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/scheduler"
	"github.com/aura-classroom/backend/internal/storage"
	"github.com/aura-classroom/backend/internal/testutil"
	"github.com/aura-classroom/backend/internal/votes"
)

type harness struct {
	t        *testing.T
	store    storage.Gateway
	hub      *realtime.Hub
	registry *presence.Registry
	orch     *polls.Orchestrator
	ledger   *votes.Ledger
	d        *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := testutil.NewStore(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	hub := realtime.NewHub(zap.NewNop(), nil)
	registry := presence.NewRegistry(hub, zap.NewNop())
	ledger := votes.NewLedger(store, hub, clk, nil)
	orch := polls.NewOrchestrator(store, ledger, hub, scheduler.New(clk, nil), clk, nil)
	t.Cleanup(orch.Shutdown)
	chatSvc := chat.NewService(store, hub, clk, 0, nil)
	return &harness{
		t:        t,
		store:    store,
		hub:      hub,
		registry: registry,
		orch:     orch,
		ledger:   ledger,
		d:        NewDispatcher(hub, registry, orch, ledger, chatSvc, opts, nil),
	}
}

func (h *harness) connect(identity models.Identity) *realtime.Client {
	c := realtime.NewClient(uuid.NewString(), identity, h.hub, 64, nil)
	require.True(h.t, h.hub.Register(c))
	return c
}

func (h *harness) teacher(name string) *realtime.Client {
	t := testutil.CreateTeacher(h.t, h.store, name)
	return h.connect(models.Identity{ID: t.ID, Role: models.RoleTeacher, Name: name})
}

func (h *harness) student(name string) *realtime.Client {
	s := testutil.CreateStudent(h.t, h.store, name)
	return h.connect(models.Identity{ID: s.ID, Role: models.RoleStudent, Name: name})
}

func (h *harness) send(c *realtime.Client, event string, data interface{}) {
	h.t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(h.t, err)
		raw = b
	}
	h.d.Dispatch(context.Background(), c, realtime.WSMessage{Event: event, Data: raw})
}

// drain returns queued messages and whether the queue has been closed.
func drain(c *realtime.Client) (msgs []realtime.WSMessage, closed bool) {
	for {
		select {
		case m, ok := <-c.Outbound():
			if !ok {
				return msgs, true
			}
			msgs = append(msgs, m)
		default:
			return msgs, false
		}
	}
}

func find(t *testing.T, msgs []realtime.WSMessage, event string, out interface{}) bool {
	t.Helper()
	for _, m := range msgs {
		if m.Event == event {
			if out != nil {
				require.NoError(t, json.Unmarshal(m.Data, out))
			}
			return true
		}
	}
	return false
}

func names(msgs []realtime.WSMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

func newPollInput() polls.CreateInput {
	return polls.CreateInput{
		Question:         "Capital of France?",
		Options:          []models.NewOption{{Text: "Paris", Correct: true}, {Text: "London"}},
		TimeLimitSeconds: 60,
	}
}

// createPoll joins the teacher, creates a poll and returns its id with the teacher's queue drained.
func (h *harness) createPoll(teacher *realtime.Client) uuid.UUID {
	h.t.Helper()
	h.send(teacher, InJoin, nil)
	h.send(teacher, InPollCreate, newPollInput())
	msgs, _ := drain(teacher)
	var view models.PollView
	require.True(h.t, find(h.t, msgs, realtime.EventPollCreated, &view), "got %v", names(msgs))
	return view.ID
}

func TestEventsRequireJoin(t *testing.T) {
	h := newHarness(t, Options{})
	student := h.student("Bo")

	h.send(student, InVoteSubmit, voteRequest{PollID: uuid.New(), OptionID: uuid.New()})
	msgs, _ := drain(student)
	var e ErrorPayload
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindForbidden, e.Kind)
	assert.Equal(t, InVoteSubmit, e.Event)
}

func TestClassroomFlow(t *testing.T) {
	h := newHarness(t, Options{})
	teacher := h.teacher("Ms. Ada")
	student := h.student("Bo")
	pollID := h.createPoll(teacher)

	h.send(student, InJoin, pollRef{PollID: pollID})
	msgs, _ := drain(student)
	var ack JoinedPayload
	require.True(t, find(t, msgs, realtime.EventJoined, &ack))
	require.NotNil(t, ack.Poll)
	assert.Equal(t, models.PollPending, ack.Poll.Status)
	assert.False(t, ack.HasVoted)
	for _, o := range ack.Poll.Options {
		assert.Nil(t, o.Correct)
	}

	msgs, _ = drain(teacher)
	var roster RosterPayload
	require.True(t, find(t, msgs, realtime.EventParticipantsUpdated, &roster))
	assert.Equal(t, 2, roster.Count)

	h.send(teacher, InPollStart, pollRef{PollID: pollID})
	msgs, _ = drain(student)
	var started polls.StartedPayload
	require.True(t, find(t, msgs, realtime.EventPollStarted, &started))
	assert.Equal(t, 60, started.Poll.RemainingSeconds)
	drain(teacher)

	paris := started.Poll.Options[0].ID
	h.send(student, InVoteSubmit, voteRequest{PollID: pollID, OptionID: paris})
	msgs, _ = drain(student)
	assert.Equal(t, []string{realtime.EventResultsUpdated, EventVoteRecorded}, names(msgs))
	msgs, _ = drain(teacher)
	var results models.Results
	require.True(t, find(t, msgs, realtime.EventResultsUpdated, &results))
	assert.Equal(t, 1, results.TotalVotes)

	h.send(student, InVoteSubmit, voteRequest{PollID: pollID, OptionID: paris})
	msgs, _ = drain(student)
	var e ErrorPayload
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindDuplicateVote, e.Kind)

	h.send(student, InMessage, messageRequest{Message: "is it Paris?"})
	msgs, _ = drain(teacher)
	var m models.ChatMessage
	require.True(t, find(t, msgs, realtime.EventMessageReceived, &m))
	assert.Equal(t, "Bo", m.Sender)
	assert.Equal(t, pollID, m.PollID)

	h.send(teacher, InPollEnd, endRequest{PollID: pollID})
	msgs, _ = drain(student)
	var ended polls.EndedPayload
	require.True(t, find(t, msgs, realtime.EventPollEnded, &ended))
	assert.Equal(t, models.EndManual, ended.Reason)
	assert.Equal(t, []uuid.UUID{paris}, ended.Results.CorrectOptionIDs)

	h.send(teacher, InPollEnd, endRequest{PollID: pollID, Strict: true})
	msgs, _ = drain(teacher)
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindConflict, e.Kind)
}

func TestRoleAndOwnershipChecks(t *testing.T) {
	h := newHarness(t, Options{})
	teacher := h.teacher("Ms. Ada")
	intruder := h.teacher("Mr. Turing")
	student := h.student("Bo")
	pollID := h.createPoll(teacher)

	h.send(student, InJoin, pollRef{PollID: pollID})
	drain(student)
	h.send(student, InPollCreate, newPollInput())
	msgs, _ := drain(student)
	var e ErrorPayload
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindForbidden, e.Kind)

	h.send(intruder, InJoin, nil)
	h.send(intruder, InPollStart, pollRef{PollID: pollID})
	msgs, _ = drain(intruder)
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindForbidden, e.Kind)

	h.send(student, "poll:delete", pollRef{PollID: pollID})
	msgs, _ = drain(student)
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindValidation, e.Kind)

	h.send(student, InVoteSubmit, nil)
	msgs, _ = drain(student)
	require.True(t, find(t, msgs, realtime.EventError, &e))
	assert.Equal(t, apperr.KindValidation, e.Kind)
}

func TestKickedStudentCannotVote(t *testing.T) {
	h := newHarness(t, Options{})
	teacher := h.teacher("Ms. Ada")
	student := h.student("Bo")
	pollID := h.createPoll(teacher)
	h.send(student, InJoin, pollRef{PollID: pollID})
	h.send(teacher, InPollStart, pollRef{PollID: pollID})
	msgs, _ := drain(student)
	var started polls.StartedPayload
	require.True(t, find(t, msgs, realtime.EventPollStarted, &started))
	drain(teacher)

	h.send(teacher, InKick, kickRequest{PollID: pollID, StudentID: student.Identity.ID})
	msgs, closed := drain(student)
	assert.True(t, closed)
	assert.Equal(t, []string{realtime.EventKicked}, names(msgs))
	assert.False(t, h.hub.Connected(student.ID))

	msgs, _ = drain(teacher)
	var roster RosterPayload
	require.True(t, find(t, msgs, realtime.EventParticipantsUpdated, &roster))
	assert.Equal(t, 1, roster.Count)

	// a vote still in flight on the severed connection
	h.send(student, InVoteSubmit, voteRequest{PollID: pollID, OptionID: started.Poll.Options[0].ID})
	voted, err := h.ledger.HasVoted(context.Background(), pollID, student.Identity.ID)
	require.NoError(t, err)
	assert.False(t, voted)

	err = h.d.Kick(context.Background(), teacher.Identity, pollID, student.Identity.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestReconnectEvictsOldConnection(t *testing.T) {
	h := newHarness(t, Options{})
	teacher := h.teacher("Ms. Ada")
	pollID := h.createPoll(teacher)

	s := testutil.CreateStudent(t, h.store, "Bo")
	identity := models.Identity{ID: s.ID, Role: models.RoleStudent, Name: "Bo"}
	first := h.connect(identity)
	h.send(first, InJoin, pollRef{PollID: pollID})
	drain(first)

	second := h.connect(identity)
	h.send(second, InJoin, pollRef{PollID: pollID})

	_, closed := drain(first)
	assert.True(t, closed)
	_, ok := h.registry.Get(first.ID)
	assert.False(t, ok)

	msgs, closed := drain(second)
	assert.False(t, closed)
	assert.True(t, find(t, msgs, realtime.EventJoined, nil))

	// the stale connection's read loop ending must not remove the new one
	h.d.Disconnected(first)
	roster := h.d.Roster(pollID)
	require.Equal(t, 2, roster.Count)
	_, ok = h.registry.Get(second.ID)
	assert.True(t, ok)
}

func TestTeacherDisconnectClosesPolls(t *testing.T) {
	h := newHarness(t, Options{CloseOnTeacherDisconnect: true})
	teacher := h.teacher("Ms. Ada")
	student := h.student("Bo")
	pollID := h.createPoll(teacher)
	h.send(student, InJoin, pollRef{PollID: pollID})
	h.send(teacher, InPollStart, pollRef{PollID: pollID})
	drain(student)

	h.hub.Unregister(teacher)
	h.d.Disconnected(teacher)

	msgs, _ := drain(student)
	var ended polls.EndedPayload
	require.True(t, find(t, msgs, realtime.EventPollEnded, &ended), "got %v", names(msgs))
	assert.Equal(t, models.EndTeacherClose, ended.Reason)
	var roster RosterPayload
	require.True(t, find(t, msgs, realtime.EventParticipantsUpdated, &roster))
	assert.Equal(t, 1, roster.Count)
}

func TestTeacherDisconnectKeepsPollsByDefault(t *testing.T) {
	h := newHarness(t, Options{})
	teacher := h.teacher("Ms. Ada")
	pollID := h.createPoll(teacher)
	h.send(teacher, InPollStart, pollRef{PollID: pollID})

	h.hub.Unregister(teacher)
	h.d.Disconnected(teacher)

	p, err := h.store.GetPoll(context.Background(), pollID)
	require.NoError(t, err)
	assert.Equal(t, models.PollActive, p.Status)
}
