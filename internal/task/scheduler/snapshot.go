package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().In(s.loc)
	out := Snapshot{
		Enabled:   s.cfg.Enabled,
		Timezone:  s.loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, sd := range s.defs {
		out.Schedules = append(out.Schedules, ScheduleInfo{
			Name:          sd.def.Name,
			Spec:          sd.def.Spec,
			Kind:          sd.parsed.Kind.String(),
			Task:          sd.def.Task,
			DatetimeKwarg: sd.def.DatetimeKwarg,
			Next:          sd.sched.Next(now),
		})
	}
	return out
}

// Lookup returns the registered schedule with that name.
func (s *Service) Lookup(name string) (ScheduleInfo, bool) {
	for _, si := range s.Snapshot().Schedules {
		if si.Name == name {
			return si, true
		}
	}
	return ScheduleInfo{}, false
}
