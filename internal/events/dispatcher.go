// Package events routes inbound real-time events to the poll, vote, chat and presence services.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/internal/presence"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/votes"
)

// Inbound event types.
const (
	InJoin       = "join"
	InPollCreate = "poll:create"
	InPollStart  = "poll:start"
	InPollEnd    = "poll:end"
	InVoteSubmit = "vote:submit"
	InMessage    = "message:send"
	InKick       = "participant:kick"

	// EventVoteRecorded acknowledges a vote to its sender.
	EventVoteRecorded = "vote:recorded"

	eventTimeout = 10 * time.Second
)

// ErrorPayload is sent to a connection whose event was rejected. The connection stays open.
type ErrorPayload struct {
	Event   string      `json:"event"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// RosterPayload is the participants:update event.
type RosterPayload struct {
	PollID       uuid.UUID            `json:"poll_id"`
	Participants []models.Participant `json:"participants"`
	Count        int                  `json:"count"`
}

// JoinedPayload acknowledges a join.
type JoinedPayload struct {
	ConnectionID string           `json:"connection_id"`
	Poll         *models.PollView `json:"poll,omitempty"`
	HasVoted     bool             `json:"has_voted"`
}

// Options configures a Dispatcher.
type Options struct {
	// CloseOnTeacherDisconnect closes a teacher's active polls when their connection drops.
	CloseOnTeacherDisconnect bool
}

// Dispatcher handles events from WebSocket connections. It implements realtime.Dispatcher.
type Dispatcher struct {
	hub      *realtime.Hub
	registry *presence.Registry
	polls    *polls.Orchestrator
	ledger   *votes.Ledger
	chat     *chat.Service
	opts     Options
	logger   *zap.Logger
}

var _ realtime.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(hub *realtime.Hub, registry *presence.Registry, orch *polls.Orchestrator, ledger *votes.Ledger, chatSvc *chat.Service, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{hub: hub, registry: registry, polls: orch, ledger: ledger, chat: chatSvc, opts: opts, logger: logger}
}

type pollRef struct {
	PollID uuid.UUID `json:"poll_id"`
}

type endRequest struct {
	PollID uuid.UUID `json:"poll_id"`
	Strict bool      `json:"strict"`
}

type voteRequest struct {
	PollID   uuid.UUID `json:"poll_id"`
	OptionID uuid.UUID `json:"option_id"`
}

type messageRequest struct {
	PollID  uuid.UUID `json:"poll_id"`
	Message string    `json:"message"`
}

type kickRequest struct {
	PollID    uuid.UUID `json:"poll_id"`
	StudentID uuid.UUID `json:"student_id"`
}

// Dispatch handles one inbound event. Failures are reported to the sender as an error event.
func (d *Dispatcher) Dispatch(ctx context.Context, c *realtime.Client, msg realtime.WSMessage) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	if err := d.dispatch(ctx, c, msg); err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal {
			d.logger.Error("event failed", zap.String("event", msg.Event), zap.String("connection_id", c.ID), zap.Error(err))
		} else {
			d.logger.Debug("event rejected", zap.String("event", msg.Event), zap.String("connection_id", c.ID), zap.Error(err))
		}
		d.hub.SendTo(c.ID, realtime.EventError, ErrorPayload{Event: msg.Event, Kind: kind, Message: apperr.Message(err)})
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperr.Validation("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("malformed event data")
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, c *realtime.Client, msg realtime.WSMessage) error {
	if msg.Event == InJoin {
		return d.join(ctx, c, msg.Data)
	}
	// every other event requires a live registry entry; kicked or replaced connections have none
	participant, ok := d.registry.Get(c.ID)
	if !ok {
		return apperr.Forbidden("connection has not joined or was removed")
	}

	switch msg.Event {
	case InPollCreate:
		var in polls.CreateInput
		if err := decode(msg.Data, &in); err != nil {
			return err
		}
		return d.createPoll(ctx, c, in)
	case InPollStart:
		var req pollRef
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if _, err := d.polls.RequireOwner(ctx, req.PollID, c.Identity); err != nil {
			return err
		}
		_, err := d.polls.StartPoll(ctx, req.PollID)
		return err
	case InPollEnd:
		var req endRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if _, err := d.polls.RequireOwner(ctx, req.PollID, c.Identity); err != nil {
			return err
		}
		end := d.polls.EndPoll
		if req.Strict {
			end = d.polls.EndPollOnce
		}
		_, err := end(ctx, req.PollID, models.EndManual)
		return err
	case InVoteSubmit:
		var req voteRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if c.Identity.Role != models.RoleStudent {
			return apperr.Forbidden("only students can vote")
		}
		results, err := d.ledger.SubmitVote(ctx, req.PollID, c.Identity.ID, req.OptionID)
		if err != nil {
			return err
		}
		d.hub.SendTo(c.ID, EventVoteRecorded, results)
		return nil
	case InMessage:
		var req messageRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		pollID := req.PollID
		if pollID == uuid.Nil {
			pollID = participant.PollID
		}
		if pollID == uuid.Nil {
			return apperr.Validation("poll_id is required")
		}
		_, err := d.chat.Send(ctx, pollID, c.Identity, req.Message)
		return err
	case InKick:
		var req kickRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return d.Kick(ctx, c.Identity, req.PollID, req.StudentID)
	default:
		return apperr.Validation("unknown event %q", msg.Event)
	}
}

func (d *Dispatcher) join(ctx context.Context, c *realtime.Client, data json.RawMessage) error {
	var req pollRef
	if len(data) > 0 {
		if err := decode(data, &req); err != nil {
			return err
		}
	}
	ack := JoinedPayload{ConnectionID: c.ID}
	if req.PollID != uuid.Nil {
		view, err := d.polls.GetPoll(ctx, req.PollID, c.Identity)
		if err != nil {
			return err
		}
		ack.Poll = view
		if c.Identity.Role == models.RoleStudent {
			voted, err := d.ledger.HasVoted(ctx, req.PollID, c.Identity.ID)
			if err != nil {
				return err
			}
			ack.HasVoted = voted
		}
	}

	previous, hadPrevious := d.registry.Get(c.ID)
	evicted := d.registry.Join(c.ID, c.Identity.Role, c.Identity.ID, c.Identity.Name, req.PollID)
	if req.PollID != uuid.Nil {
		d.hub.Join(c.ID, req.PollID)
	} else if hadPrevious && previous.PollID != uuid.Nil {
		d.hub.Leave(c.ID, previous.PollID)
	}
	d.hub.SendTo(c.ID, realtime.EventJoined, ack)

	d.logger.Debug("connection joined",
		zap.String("connection_id", c.ID),
		zap.String("identity_id", c.Identity.ID.String()),
		zap.String("poll_id", req.PollID.String()))

	if hadPrevious && previous.PollID != uuid.Nil && previous.PollID != req.PollID {
		d.publishRoster(previous.PollID)
	}
	if evicted != nil && evicted.PollID != uuid.Nil && evicted.PollID != req.PollID {
		d.publishRoster(evicted.PollID)
	}
	if req.PollID != uuid.Nil {
		d.publishRoster(req.PollID)
	}
	return nil
}

func (d *Dispatcher) createPoll(ctx context.Context, c *realtime.Client, in polls.CreateInput) error {
	if c.Identity.Role != models.RoleTeacher {
		return apperr.Forbidden("only teachers can create polls")
	}
	p, err := d.polls.CreatePoll(ctx, c.Identity.ID, in)
	if err != nil {
		return err
	}
	// the new room is empty until the creator joins it
	previous, _ := d.registry.Get(c.ID)
	d.registry.Join(c.ID, c.Identity.Role, c.Identity.ID, c.Identity.Name, p.ID)
	d.hub.Join(c.ID, p.ID)
	view, err := d.polls.GetPoll(ctx, p.ID, c.Identity)
	if err != nil {
		return err
	}
	d.hub.SendTo(c.ID, realtime.EventPollCreated, view)
	if previous.PollID != uuid.Nil {
		d.publishRoster(previous.PollID)
	}
	d.publishRoster(p.ID)
	return nil
}

// Kick removes studentID from pollID's room and severs its connection. actor must own the poll.
func (d *Dispatcher) Kick(ctx context.Context, actor models.Identity, pollID, studentID uuid.UUID) error {
	if _, err := d.polls.RequireOwner(ctx, pollID, actor); err != nil {
		return err
	}
	connID, ok := d.registry.FindConnection(studentID)
	if !ok {
		return apperr.NotFound("student is not connected").WithPoll(pollID).WithStudent(studentID)
	}
	p, ok := d.registry.Get(connID)
	if !ok || p.PollID != pollID || p.Role != models.RoleStudent {
		return apperr.NotFound("student is not in this poll").WithPoll(pollID).WithStudent(studentID)
	}
	// queued ahead of the close, so the client learns why it was dropped
	d.hub.SendTo(connID, realtime.EventKicked, map[string]uuid.UUID{"poll_id": pollID})
	d.registry.Kick(studentID)
	d.logger.Info("student kicked", zap.String("poll_id", pollID.String()), zap.String("student_id", studentID.String()))
	d.publishRoster(pollID)
	return nil
}

// Roster returns the participants in pollID's room.
func (d *Dispatcher) Roster(pollID uuid.UUID) RosterPayload {
	list := d.registry.ListByPoll(pollID)
	return RosterPayload{PollID: pollID, Participants: list, Count: len(list)}
}

func (d *Dispatcher) publishRoster(pollID uuid.UUID) {
	d.hub.Publish(pollID, realtime.EventParticipantsUpdated, d.Roster(pollID))
}

// Disconnected removes the connection's presence and updates its room's roster.
func (d *Dispatcher) Disconnected(c *realtime.Client) {
	p, ok := d.registry.Leave(c.ID)
	if !ok {
		return
	}
	if p.PollID != uuid.Nil {
		d.publishRoster(p.PollID)
	}
	if !d.opts.CloseOnTeacherDisconnect || p.Role != models.RoleTeacher {
		return
	}
	if _, stillHere := d.registry.FindConnection(p.IdentityID); stillHere {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if _, err := d.polls.CloseAllActive(ctx, p.IdentityID); err != nil {
		d.logger.Error("close polls on teacher disconnect failed", zap.String("teacher_id", p.IdentityID.String()), zap.Error(err))
	}
}
