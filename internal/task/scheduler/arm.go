package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"slashbot/internal/eventbus"
	"slashbot/internal/metrics"
	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

// Arm installs or replaces the wake-up for j. The previous wake-up for the
// same id can no longer dispatch once Arm returns.
func (s *Service) Arm(j schedule.Job) error {
	if !s.owns[j.Origin] {
		return ErrNotOwned
	}
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conflictLocked(j); err != nil {
		return err
	}
	delete(s.tombstones, j.ID)
	s.armLocked(j, j.Fingerprint(), false)
	s.updateGaugeLocked()
	return nil
}

// Disarm cancels the wake-up for id. It reports whether id was armed.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.armed[id]
	if !ok {
		return false
	}
	s.cancelLocked(e)
	delete(s.armed, id)
	s.updateGaugeLocked()
	s.log.Debug("job disarmed", logx.String("id", id))
	return true
}

// Reconcile makes the armed set match the owned subset of jobs in one pass.
// Unchanged jobs keep their wake-ups, so a repeated call is a no-op.
func (s *Service) Reconcile(jobs []schedule.Job) Report {
	var rep Report
	desired := make(map[string]schedule.Job, len(jobs))
	order := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if !s.owns[j.Origin] {
			continue
		}
		if err := j.Validate(); err != nil {
			rep.Skipped++
			s.log.Warn("not arming invalid job", logx.String("id", j.ID), logx.Err(err))
			continue
		}
		if _, dup := desired[j.ID]; !dup {
			order = append(order, j.ID)
		}
		desired[j.ID] = j
	}

	s.mu.Lock()
	for id, e := range s.armed {
		if _, ok := desired[id]; !ok {
			s.cancelLocked(e)
			delete(s.armed, id)
			rep.Disarmed++
		}
	}
	for id := range s.tombstones {
		if _, ok := desired[id]; !ok {
			delete(s.tombstones, id)
		}
	}
	for _, id := range order {
		j := desired[id]
		if _, dead := s.tombstones[id]; dead {
			rep.Skipped++
			continue
		}
		if err := s.conflictLocked(j); err != nil {
			rep.Conflicts++
			continue
		}
		fp := j.Fingerprint()
		e, ok := s.armed[id]
		switch {
		case !ok:
			s.armLocked(j, fp, false)
			rep.Armed++
		case e.fp != fp:
			s.armLocked(j, fp, false)
			rep.Rearmed++
		default:
			rep.Unchanged++
		}
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	metrics.Reconciles.WithLabelValues(s.cfg.Name).Inc()
	if rep.Changed() || rep.Conflicts > 0 {
		s.log.Info("reconciled", logx.String("name", s.cfg.Name), logx.Int("armed", rep.Armed), logx.Int("rearmed", rep.Rearmed),
			logx.Int("disarmed", rep.Disarmed), logx.Int("unchanged", rep.Unchanged), logx.Int("conflicts", rep.Conflicts))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReconciled, Time: s.now(), Data: rep})
	}
	return rep
}

func (s *Service) conflictLocked(j schedule.Job) error {
	e, ok := s.armed[j.ID]
	if !ok || e.job.Origin == j.Origin {
		return nil
	}
	metrics.Conflicts.Inc()
	s.log.Error("reconciliation conflict; keeping armed job", logx.String("id", j.ID),
		logx.String("armed_origin", string(e.job.Origin)), logx.String("incoming_origin", string(j.Origin)))
	return &ConflictError{ID: j.ID, Armed: e.job.Origin, Incoming: j.Origin}
}

// armLocked replaces any entry for j.ID with a new version.
func (s *Service) armLocked(j schedule.Job, fp uint64, retried bool) *entry {
	if old, ok := s.armed[j.ID]; ok {
		s.cancelLocked(old)
	}
	s.seq++
	e := &entry{job: j, fp: fp, ver: s.seq, retried: retried}
	s.armed[j.ID] = e
	if s.running {
		s.scheduleLocked(e)
	}
	s.log.Debug("job armed", logx.String("id", j.ID), logx.String("kind", string(j.Trigger.Kind)), logx.Uint64("ver", e.ver))
	return e
}

func (s *Service) cancelLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.entryID != 0 && s.c != nil {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

func (s *Service) scheduleLocked(e *entry) {
	id, ver := e.job.ID, e.ver
	switch e.job.Trigger.Kind {
	case schedule.KindRecurring:
		if s.c == nil {
			return
		}
		e.entryID = s.c.Schedule(triggerSchedule{t: e.job.Trigger}, cron.FuncJob(func() {
			s.fire(id, ver, s.now())
		}))
	case schedule.KindOneOff:
		delay := e.job.Trigger.FireAt.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		e.timer = time.AfterFunc(delay, func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in one-off fire", logx.String("id", id), logx.Any("panic", r))
				}
			}()
			s.fire(id, ver, s.now())
		})
	}
}
