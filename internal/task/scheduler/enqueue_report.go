package scheduler

import (
	"errors"
	"time"

	"dagd/internal/task/engine"
	logx "dagd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(dagID string, err error) {
	if err == nil {
		return
	}
	// Stopping is part of normal shutdown.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("dag dispatch stopped", logx.Dag(dagID), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[dagID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[dagID] = now
	s.enqMu.Unlock()

	s.log.Warn("dag dispatch failed", logx.Dag(dagID), logx.Err(err))
}
