package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	s.mu.Unlock()

	snap := Snapshot{Enabled: enabled, Timezone: tz, Schedules: s.Schedules()}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
