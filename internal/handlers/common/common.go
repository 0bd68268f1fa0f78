package common

import (
	"encoding/json"
	"strings"

	"ag2api-go/internal/config"
	"ag2api-go/internal/dispatch"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/store"
	"ag2api-go/internal/translator"
	"ag2api-go/internal/upstream"
)

// Reporter is the slice of the camouflage service the handlers touch. A nil
// Reporter disables the mimicry side effects (tests).
type Reporter interface {
	NoteTraffic()
	ReportRequest(acct *store.Account, accessToken, requestID, mappedModel string)
	NotifyVersionOutdated()
}

// Backend bundles everything a dialect handler needs.
type Backend struct {
	Cfg        *config.Config
	Store      *store.Store
	Translator *translator.Translator
	Dispatcher *dispatch.Dispatcher
	Pool       *pool.Pool
	Client     *upstream.Client
	Camo       Reporter
}

// NoteTraffic forwards downstream activity to the camouflage idle gate.
func (b *Backend) NoteTraffic() {
	if b.Camo != nil {
		b.Camo.NoteTraffic()
	}
}

// ReportRequest fires the per-request telemetry posts.
func (b *Backend) ReportRequest(sel *pool.Selection, requestID string) {
	if b.Camo != nil {
		b.Camo.ReportRequest(sel.Account, sel.AccessToken, requestID, sel.Resolution.Mapped)
	}
}

// MaybeNotifyVersionOutdated triggers a reactive version fetch when the
// upstream error complains about a stale client.
func (b *Backend) MaybeNotifyVersionOutdated(err error) {
	if b.Camo == nil || err == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "version") &&
		(strings.Contains(msg, "outdated") || strings.Contains(msg, "out of date") || strings.Contains(msg, "update")) {
		b.Camo.NotifyVersionOutdated()
	}
}

// BuildEnvelope wraps a translated request in the Code Assist envelope for
// the selected account.
func (b *Backend) BuildEnvelope(sel *pool.Selection, requestID string, req *upstream.Request) ([]byte, error) {
	if req.SessionID == "" {
		req.SessionID = sel.Account.SessionID
	}
	return json.Marshal(upstream.NewEnvelope(sel.Resolution.Mapped, sel.Account.ProjectID, requestID, *req))
}

// BuildCountEnvelope wraps a translated request for countTokens, which takes
// the model inside the inner request instead of the envelope.
func (b *Backend) BuildCountEnvelope(sel *pool.Selection, req *upstream.Request) ([]byte, error) {
	return json.Marshal(map[string]any{
		"request": map[string]any{
			"model":    sel.Resolution.Mapped,
			"contents": req.Contents,
		},
	})
}
