package fiscal

import (
	"context"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/sirupsen/logrus"
)

// SessionService manages offline sessions. Opening one switches a branch
// to queue-only mode; closing it kicks off a drain so the backlog flushes
// as soon as connectivity is back.
type SessionService struct {
	sessions SessionStore
	queue    *QueueEngine
	logger   *logrus.Logger
}

func NewSessionService(sessions SessionStore, queue *QueueEngine, logger *logrus.Logger) *SessionService {
	return &SessionService{sessions: sessions, queue: queue, logger: logger}
}

func (s *SessionService) Open(ctx context.Context, businessId string, branchId int) (*models.OfflineSession, error) {
	if branchId <= 0 {
		return nil, NewProtocolError("VALIDATION", "branch id is required")
	}
	session, err := s.sessions.OpenSession(ctx, businessId, branchId, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Close ends the branch's offline session and drains the tenant queue.
// The drain is best-effort here: failures are logged and left to the
// scheduler's next sweep.
func (s *SessionService) Close(ctx context.Context, businessId string, branchId int) (*models.OfflineSession, error) {
	if branchId <= 0 {
		return nil, NewProtocolError("VALIDATION", "branch id is required")
	}
	session, err := s.sessions.CloseSession(ctx, businessId, branchId, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.queue.Drain(ctx, businessId); err != nil {
		config.LogError(s.logger, "fiscal", "Close", "drain after session close", businessId, err)
	}
	return session, nil
}
