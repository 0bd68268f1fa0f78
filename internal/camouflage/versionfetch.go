package camouflage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/version"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	updaterURL = "https://updater.antigravity.google/api/v1/releases/latest"

	// Reactive refreshes triggered by version-outdated upstream errors are
	// debounced so a burst of failing requests causes one fetch.
	versionDebounce = 30 * time.Second
)

// fetchVersion asks the updater for the current client release and swaps the
// impersonated version when it moved.
func (s *Service) fetchVersion(ctx context.Context) error {
	status, _, body, err := s.tr.Fetch(ctx, &fingerprint.Request{
		Method: http.MethodGet,
		URL:    updaterURL,
		Headers: []fingerprint.Header{
			{Name: "Host", Value: "updater.antigravity.google"},
			{Name: "User-Agent", Value: version.UserAgent()},
			{Name: "Accept", Value: "application/json"},
		},
	})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("updater status %d", status)
	}

	latest := gjson.GetBytes(body, "version").String()
	if latest == "" {
		latest = gjson.GetBytes(body, "name").String()
	}
	if latest == "" {
		return fmt.Errorf("updater response carries no version")
	}
	if latest != version.ClientVersion() {
		log.WithFields(log.Fields{"from": version.ClientVersion(), "to": latest}).
			Info("impersonated client version updated")
		version.SetClientVersion(latest)
	}
	return nil
}

// NotifyVersionOutdated triggers a reactive version fetch, debounced. Called
// when an upstream error says the client version is stale.
func (s *Service) NotifyVersionOutdated() {
	s.versionMu.Lock()
	if s.now().Sub(s.lastVersionAt) < versionDebounce {
		s.versionMu.Unlock()
		return
	}
	s.lastVersionAt = s.now()
	s.versionMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.fetchVersion(ctx); err != nil {
			log.WithError(err).Debug("reactive version fetch failed")
		}
	}()
}
