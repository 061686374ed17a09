package scheduler

import (
	"context"
	"errors"
	"time"

	"toosimpleq/internal/storage"
	logx "toosimpleq/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	// Another scheduler holds the row; the next tick retries.
	if storage.IsContention(err) {
		s.log.Debug("schedule check contended", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
