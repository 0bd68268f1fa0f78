package camouflage

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

// warmupSequence is the init RPC order the official client issues on startup.
var warmupSequence = []struct {
	action  string
	payload func() []byte
}{
	{"onboardUser", func() []byte {
		b, _ := json.Marshal(map[string]any{
			"tierId":   "standard-tier",
			"metadata": clientMetadata(),
		})
		return b
	}},
	{"fetchAvailableModels", func() []byte { return []byte(`{}`) }},
	{"loadCodeAssist", func() []byte {
		b, _ := json.Marshal(map[string]any{"metadata": clientMetadata()})
		return b
	}},
	{"recordCodeAssistMetrics", func() []byte { return []byte(`{"metrics":[]}`) }},
}

func clientMetadata() map[string]any {
	return map[string]any{"ideType": 6, "platform": 1, "pluginType": 2}
}

// warmup replays the four-call init sequence with 50-200ms spacing so a fresh
// credential's first traffic looks like a client launch.
func (s *Service) warmup(ctx context.Context, accountID int64) error {
	acct, token, err := s.accountToken(ctx, accountID)
	if err != nil {
		return err
	}
	// Instance and device identity stay stable for the account's lifetime;
	// the session id rotates per launch like a real client restart.
	acct.SessionID = store.NewSessionID()
	if err := s.st.UpdateSession(accountID, acct.InstanceID, acct.DeviceFingerprint, acct.SessionID); err != nil {
		log.WithField("account_id", accountID).WithError(err).Debug("session rotation not persisted")
	}
	for i, call := range warmupSequence {
		if i > 0 {
			delay := 50*time.Millisecond + time.Duration(rand.Int63n(int64(150*time.Millisecond)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := s.api.Action(ctx, call.action, token, call.payload()); err != nil {
			log.WithFields(log.Fields{"account_id": accountID, "action": call.action}).
				WithError(err).Debug("warmup call failed")
		}
	}
	log.WithField("account_id", accountID).Debug("warmup sequence completed")
	return nil
}
