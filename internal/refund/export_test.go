package refund

import "time"

// SetClock pins the service clock
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
