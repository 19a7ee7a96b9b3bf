// Package presence tracks which live connection belongs to which identity and poll room.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
)

// Disconnector severs a transport connection.
type Disconnector interface {
	Disconnect(connectionID string)
}

// Registry maps connections to participants, with at most one entry per identity.
// It is created once per process and is the source of truth for "is this identity present".
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*models.Participant
	byIdentity map[uuid.UUID]string

	disconnector Disconnector
	now          func() time.Time
	logger       *zap.Logger
}

// NewRegistry creates an empty registry. d may be nil; SetDisconnector can wire it later.
func NewRegistry(d Disconnector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byConn:       make(map[string]*models.Participant),
		byIdentity:   make(map[uuid.UUID]string),
		disconnector: d,
		now:          time.Now,
		logger:       logger,
	}
}

// SetDisconnector sets the transport used to sever evicted and kicked connections.
func (r *Registry) SetDisconnector(d Disconnector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnector = d
}

// Join records connectionID as identityID's presence in pollID (uuid.Nil for no room).
// A previous connection of the same identity is evicted and disconnected; it is returned.
// Joining again on the same connection moves it to the new poll.
func (r *Registry) Join(connectionID string, role models.Role, identityID uuid.UUID, name string, pollID uuid.UUID) (evicted *models.Participant) {
	r.mu.Lock()
	if prevConn, ok := r.byIdentity[identityID]; ok && prevConn != connectionID {
		if prev, ok := r.byConn[prevConn]; ok {
			cp := *prev
			evicted = &cp
			delete(r.byConn, prevConn)
		}
	}
	p, ok := r.byConn[connectionID]
	if !ok {
		p = &models.Participant{ConnectionID: connectionID, JoinedAt: r.now()}
		r.byConn[connectionID] = p
	}
	if ok && p.IdentityID != identityID {
		// connection changed identity; drop the stale index entry
		if r.byIdentity[p.IdentityID] == connectionID {
			delete(r.byIdentity, p.IdentityID)
		}
	}
	p.Role = role
	p.IdentityID = identityID
	p.Name = name
	p.PollID = pollID
	r.byIdentity[identityID] = connectionID
	d := r.disconnector
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("presence replaced by reconnect",
			zap.String("identity_id", identityID.String()),
			zap.String("old_connection_id", evicted.ConnectionID),
			zap.String("connection_id", connectionID))
		if d != nil {
			d.Disconnect(evicted.ConnectionID)
		}
	}
	return evicted
}

// Leave removes the entry for connectionID. No-op if absent.
func (r *Registry) Leave(connectionID string) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connectionID)
}

func (r *Registry) removeLocked(connectionID string) (models.Participant, bool) {
	p, ok := r.byConn[connectionID]
	if !ok {
		return models.Participant{}, false
	}
	delete(r.byConn, connectionID)
	if r.byIdentity[p.IdentityID] == connectionID {
		delete(r.byIdentity, p.IdentityID)
	}
	return *p, true
}

// Kick removes identityID's presence and disconnects its connection.
func (r *Registry) Kick(identityID uuid.UUID) (models.Participant, bool) {
	r.mu.Lock()
	connID, ok := r.byIdentity[identityID]
	if !ok {
		r.mu.Unlock()
		return models.Participant{}, false
	}
	p, ok := r.removeLocked(connID)
	d := r.disconnector
	r.mu.Unlock()

	if ok && d != nil {
		d.Disconnect(connID)
	}
	r.logger.Info("participant kicked", zap.String("identity_id", identityID.String()), zap.String("connection_id", connID))
	return p, ok
}

// ListByPoll returns participants joined to pollID, oldest first.
func (r *Registry) ListByPoll(pollID uuid.UUID) []models.Participant {
	r.mu.RLock()
	list := make([]models.Participant, 0)
	for _, p := range r.byConn {
		if p.PollID == pollID {
			list = append(list, *p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].ConnectionID < list[j].ConnectionID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

// FindConnection returns identityID's current connection.
func (r *Registry) FindConnection(identityID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentity[identityID]
	return id, ok
}

// Get returns the participant on connectionID.
func (r *Registry) Get(connectionID string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byConn[connectionID]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
