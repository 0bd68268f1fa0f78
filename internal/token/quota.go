package token

import (
	"context"
	"database/sql"
	"time"

	"ag2api-go/internal/models"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// SyncQuota refreshes the account's per-model quota rows from the upstream
// catalog and recomputes the aggregate. The aggregate is the minimum fraction
// over non-image tracked models; a catalog with no quota signal at all sets
// it to zero so a broken sync never manufactures capacity.
func (m *Manager) SyncQuota(ctx context.Context, acct *store.Account, accessToken string) error {
	body, err := m.api.Action(ctx, "fetchAvailableModels", accessToken, []byte(`{}`))
	if err != nil {
		return err
	}

	sawSignal := false
	aggregate := 1.0
	var aggregateReset sql.NullInt64

	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		name := entry.Get("model").String()
		if name == "" {
			name = entry.Get("name").String()
		}
		if !models.TracksQuota(name) {
			return true
		}

		quota := entry.Get("quotaInfo")
		if !quota.Exists() {
			return true
		}
		fraction := clamp01(quota.Get("remainingFraction").Float())
		reset := parseResetTime(quota.Get("resetTime"))

		if err := m.st.UpsertModelQuota(acct.ID, name, fraction, reset); err != nil {
			log.WithFields(log.Fields{"account_id": acct.ID, "model": name}).
				WithError(err).Warn("failed to persist model quota")
			return true
		}

		if models.IsImageModel(name) {
			return true
		}
		sawSignal = true
		if fraction < aggregate {
			aggregate = fraction
			aggregateReset = reset
		}
		return true
	})

	if !sawSignal {
		aggregate = 0
		aggregateReset = sql.NullInt64{}
	}
	if err := m.st.UpdateAggregateQuota(acct.ID, aggregate, aggregateReset); err != nil {
		return err
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "aggregate": aggregate, "signal": sawSignal}).
		Debug("quota synced")
	return nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// parseResetTime accepts both an RFC3339 string and an epoch-milliseconds
// number. Either form normalizes to Unix seconds, the unit every stored
// reset time (accounts and quota rows alike) carries.
func parseResetTime(v gjson.Result) sql.NullInt64 {
	switch v.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return sql.NullInt64{Int64: ts.Unix(), Valid: true}
		}
	case gjson.Number:
		ms := v.Int()
		if ms > 0 {
			return sql.NullInt64{Int64: ms / 1000, Valid: true}
		}
	}
	return sql.NullInt64{}
}
