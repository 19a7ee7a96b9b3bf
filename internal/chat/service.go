// Package chat stores and fans out per-poll chat messages.
package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/storage"
)

const (
	MaxMessageLength   = 500
	DefaultHistorySize = 50
	MaxHistorySize     = 200
)

// Broadcaster publishes an event to a poll's room.
type Broadcaster interface {
	Publish(pollID uuid.UUID, event string, payload interface{})
}

// Service appends chat messages and reads history.
type Service struct {
	store        storage.Gateway
	hub          Broadcaster
	clock        clock.Clock
	historyLimit int
	logger       *zap.Logger
}

// NewService creates a chat service. historyLimit is the default page size.
func NewService(store storage.Gateway, hub Broadcaster, clk clock.Clock, historyLimit int, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if historyLimit <= 0 || historyLimit > MaxHistorySize {
		historyLimit = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, hub: hub, clock: clk, historyLimit: historyLimit, logger: logger}
}

// SenderName returns the label shown for sender's messages in p.
func SenderName(p *models.Poll, sender models.Identity) string {
	if sender.IsTeacher(p.TeacherID) {
		return models.TeacherSenderName
	}
	return sender.Name
}

// Send appends a message to the poll's chat and publishes message:received.
func (s *Service) Send(ctx context.Context, pollID uuid.UUID, sender models.Identity, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, apperr.Validation("message must be 1-%d characters", MaxMessageLength)
	}
	p, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, storage.AppError(err, "poll").WithPoll(pollID)
	}
	if sender.Role == models.RoleTeacher && !sender.IsTeacher(p.TeacherID) {
		return nil, apperr.Forbidden("poll belongs to another teacher").WithPoll(pollID)
	}

	m := &models.ChatMessage{
		ID:        uuid.New(),
		PollID:    pollID,
		Sender:    SenderName(p, sender),
		Message:   text,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateChatMessage(ctx, m); err != nil {
		return nil, apperr.Internal(err, "save message").WithPoll(pollID)
	}
	s.hub.Publish(pollID, realtime.EventMessageReceived, m)
	return m, nil
}

// History returns up to limit of the latest messages, most recent last.
// limit <= 0 uses the default; values above MaxHistorySize are capped.
func (s *Service) History(ctx context.Context, pollID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > MaxHistorySize {
		limit = MaxHistorySize
	}
	if _, err := s.store.GetPoll(ctx, pollID); err != nil {
		return nil, storage.AppError(err, "poll").WithPoll(pollID)
	}
	list, err := s.store.ListChatMessages(ctx, pollID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "list messages").WithPoll(pollID)
	}
	return list, nil
}
