package auth

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/storage"
)

const maxNameLength = 100

// Repository issues identity sessions backed by teacher and student records.
type Repository struct {
	store  storage.Gateway
	jwt    *JWTService
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates an auth repository.
func NewRepository(store storage.Gateway, jwt *JWTService, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, jwt: jwt, logger: logger, now: time.Now}
}

// IssuedSession is a persisted session plus its signed token.
type IssuedSession struct {
	Token    string          `json:"token"`
	Identity models.Identity `json:"identity"`
	Session  *models.Session `json:"session"`
}

// CreateSession creates a new teacher or student and a session for it.
func (r *Repository) CreateSession(ctx context.Context, role models.Role, name string) (*IssuedSession, error) {
	name = strings.TrimSpace(name)
	if !role.Valid() {
		return nil, apperr.Validation("role must be TEACHER or STUDENT")
	}
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return nil, apperr.Validation("name must be 1-%d characters", maxNameLength)
	}

	now := r.now().UTC()
	identityID := uuid.New()
	sess := &models.Session{ID: uuid.New(), Role: role, Name: name, CreatedAt: now, UpdatedAt: now}
	switch role {
	case models.RoleTeacher:
		if err := r.store.CreateTeacher(ctx, &models.Teacher{ID: identityID, Name: name, CreatedAt: now, UpdatedAt: now}); err != nil {
			return nil, apperr.Internal(err, "create teacher")
		}
		sess.TeacherID = &identityID
	case models.RoleStudent:
		if err := r.store.CreateStudent(ctx, &models.Student{ID: identityID, Name: name, CreatedAt: now, UpdatedAt: now}); err != nil {
			return nil, apperr.Internal(err, "create student")
		}
		sess.StudentID = &identityID
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err, "create session")
	}

	token, err := r.jwt.Generate(sess)
	if err != nil {
		return nil, apperr.Internal(err, "sign token")
	}
	r.logger.Info("session issued", zap.String("identity_id", identityID.String()), zap.String("role", string(role)))
	return &IssuedSession{
		Token:    token,
		Identity: models.Identity{ID: identityID, Role: role, Name: name},
		Session:  sess,
	}, nil
}
