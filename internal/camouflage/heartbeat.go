package camouflage

import "context"

// heartbeatPayload is the no-op metrics body the official client posts every
// second while active.
var heartbeatPayload = []byte(`{"metrics":[]}`)

// heartbeatTick posts one heartbeat unless the proxy has been idle past the
// gate. The scheduler keeps ticking during idle so traffic resumes heartbeats
// within one period.
func (s *Service) heartbeatTick(ctx context.Context, accountID int64) error {
	last := s.lastTraffic.Load()
	if last == 0 || s.now().UnixMilli()-last > idleGate.Milliseconds() {
		return nil
	}

	s.mu.Lock()
	token := s.hbTokens[accountID]
	s.mu.Unlock()
	if token == "" {
		acct, fresh, err := s.accountToken(ctx, accountID)
		if err != nil {
			return err
		}
		token = fresh
		s.UpdateHeartbeatToken(acct.ID, fresh)
	}

	_, err := s.api.Action(ctx, "recordCodeAssistMetrics", token, heartbeatPayload)
	return err
}
