package scheduler

import (
	"context"
	"time"

	"slashbot/internal/eventbus"
	"slashbot/internal/metrics"
	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

// fire runs the wake-up for version ver of id. Wake-ups for a replaced or
// disarmed version are dropped here, under the same lock Arm and Disarm take.
func (s *Service) fire(id string, ver uint64, now time.Time) {
	s.mu.Lock()
	e, ok := s.armed[id]
	if !ok || e.ver != ver {
		s.mu.Unlock()
		metrics.JobFires.WithLabelValues("unknown", "stale").Inc()
		s.log.Debug("stale wake-up ignored", logx.String("id", id), logx.Uint64("ver", ver))
		return
	}
	j := e.job
	origin := string(j.Origin)

	switch j.Trigger.Kind {
	case schedule.KindOneOff:
		if !schedule.IsDue(j.Trigger, now) {
			// Timer woke early; wait for the real instant.
			if s.running {
				s.cancelLocked(e)
				s.scheduleLocked(e)
			}
			s.mu.Unlock()
			return
		}
		s.cancelLocked(e)
		delete(s.armed, id)
		s.tombstones[id] = now
		s.updateGaugeLocked()
		if late := now.Sub(j.Trigger.FireAt); late > s.cfg.MisfireGrace {
			s.mu.Unlock()
			metrics.JobFires.WithLabelValues(origin, "misfire").Inc()
			s.log.Warn("one-off missed its misfire grace; dropping", logx.String("id", id),
				logx.Time("fire_at", j.Trigger.FireAt), logx.Duration("late", late))
			s.retire(id)
			return
		}
	case schedule.KindRecurring:
		occ, due := schedule.DueOccurrence(j.Trigger, now)
		if !due {
			s.mu.Unlock()
			metrics.JobFires.WithLabelValues(origin, "not_due").Inc()
			s.log.Debug("recurring wake-up outside its window", logx.String("id", id), logx.Time("now", now))
			return
		}
		if !e.last.IsZero() && !e.last.Before(occ) {
			s.mu.Unlock()
			return
		}
		e.last = occ
	}
	retried := e.retried
	ctx := s.runCtx
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FireTimeout)
	attempted, failed := s.dispatch(fctx, j)
	cancel()

	result := "sent"
	if failed > 0 {
		result = "failed"
	}
	metrics.JobFires.WithLabelValues(origin, result).Inc()
	fields := []logx.Field{
		logx.String("id", id),
		logx.String("origin", origin),
		logx.Bool("broadcast", j.Broadcast),
		logx.Int("attempted", attempted),
		logx.Int("failed", failed),
	}
	if failed > 0 {
		s.log.Warn("job fired with failures", fields...)
	} else {
		s.log.Info("job fired", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Time: now, Data: FireEvent{
			ID: id, Origin: j.Origin, Kind: j.Trigger.Kind, Broadcast: j.Broadcast, ChatID: j.ChatID,
			Attempted: attempted, Failed: failed, At: now,
		}})
	}

	if j.Trigger.Kind != schedule.KindOneOff {
		return
	}
	if failed > 0 && j.OnFailure == schedule.OnFailureRetryOnce && !retried && s.rearmForRetry(j, e.fp, now) {
		return
	}
	s.retire(id)
}

func (s *Service) dispatch(ctx context.Context, j schedule.Job) (attempted, failed int) {
	if s.disp == nil {
		return 0, 0
	}
	if j.Broadcast {
		var ids []int64
		if s.chats != nil {
			ids = s.chats.All()
		}
		sum := s.disp.SendMany(ctx, ids, j.Message)
		return sum.Attempted, sum.Failed
	}
	if res := s.disp.SendOne(ctx, j.ChatID, j.Message); !res.Succeeded {
		return 1, 1
	}
	return 1, 0
}

// rearmForRetry arms a one-off once more after RetryDelay. It gives up when
// the id was re-armed or removed while the first attempt was in flight.
func (s *Service) rearmForRetry(j schedule.Job, fp uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[j.ID]; !dead {
		return false
	}
	if _, armed := s.armed[j.ID]; armed {
		return false
	}
	delete(s.tombstones, j.ID)
	retry := j
	retry.Trigger = schedule.OneOff(now.Add(s.cfg.RetryDelay), j.Trigger.Timezone)
	s.armLocked(retry, fp, true)
	s.updateGaugeLocked()
	metrics.JobFires.WithLabelValues(string(j.Origin), "retry").Inc()
	s.log.Info("one-off re-armed for retry", logx.String("id", j.ID), logx.Time("at", retry.Trigger.FireAt))
	return true
}

func (s *Service) retire(id string) {
	if s.term == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.term.MarkFired(ctx, id); err != nil {
		s.log.Error("failed to retire fired one-off", logx.String("id", id), logx.Err(err))
	}
}
