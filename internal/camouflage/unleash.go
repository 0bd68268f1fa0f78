package camouflage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/version"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	unleashBaseURL = "https://unleash.antigravity.google/api"
	unleashAppName = "antigravity"
)

// unleashIdentity is the per-account connection identity. It stays stable for
// the process lifetime so every poll presents the same client.
type unleashIdentity struct {
	ConnectionID string
	StartedAt    time.Time
	registered   bool
}

func (s *Service) unleashIdentityFor(accountID int64) unleashIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.unleashID[accountID]
	if !ok {
		id = unleashIdentity{ConnectionID: uuid.NewString(), StartedAt: s.now()}
		s.unleashID[accountID] = id
	}
	return id
}

// unleashTick runs one feature-flag poll cycle: register (first time),
// conditional features fetch, metrics report.
func (s *Service) unleashTick(ctx context.Context, accountID int64) error {
	identity := s.unleashIdentityFor(accountID)

	if !identity.registered {
		if err := s.unleashRegister(ctx, identity); err != nil {
			return err
		}
		s.mu.Lock()
		identity.registered = true
		s.unleashID[accountID] = identity
		s.mu.Unlock()
	}

	if err := s.unleashFeatures(ctx, accountID, identity); err != nil {
		log.WithField("account_id", accountID).WithError(err).Debug("unleash features poll failed")
	}
	return s.unleashMetrics(ctx, identity)
}

func (s *Service) unleashRegister(ctx context.Context, identity unleashIdentity) error {
	body, _ := json.Marshal(map[string]any{
		"appName":      unleashAppName,
		"instanceId":   identity.ConnectionID,
		"connectionId": identity.ConnectionID,
		"sdkVersion":   "unleash-client-js:3.7.0",
		"strategies":   []string{"default", "gradualRolloutRandom", "remoteAddress"},
		"started":      identity.StartedAt.UTC().Format(time.RFC3339),
		"interval":     60000,
	})
	_, err := s.unleashPost(ctx, "/client/register", identity, body)
	return err
}

// unleashFeatures fetches the flag set with an If-None-Match conditional; a
// 304 keeps the cached ETag.
func (s *Service) unleashFeatures(ctx context.Context, accountID int64, identity unleashIdentity) error {
	s.mu.Lock()
	etag := s.etags[accountID]
	s.mu.Unlock()

	headers := s.unleashHeaders(identity, 0)
	if etag != "" {
		headers = append(headers, fingerprint.Header{Name: "If-None-Match", Value: etag})
	}
	status, respHeaders, _, err := s.tr.Fetch(ctx, &fingerprint.Request{
		Method:  http.MethodGet,
		URL:     unleashBaseURL + "/frontend",
		Headers: headers,
	})
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotModified:
		return nil
	case status >= 400:
		return fmt.Errorf("unleash features status %d", status)
	}
	if fresh := respHeaders.Get("ETag"); fresh != "" {
		s.mu.Lock()
		s.etags[accountID] = fresh
		s.mu.Unlock()
	}
	return nil
}

func (s *Service) unleashMetrics(ctx context.Context, identity unleashIdentity) error {
	now := s.now().UTC()
	body, _ := json.Marshal(map[string]any{
		"appName":      unleashAppName,
		"instanceId":   identity.ConnectionID,
		"connectionId": identity.ConnectionID,
		"bucket": map[string]any{
			"start":   now.Add(-time.Minute).Format(time.RFC3339),
			"stop":    now.Format(time.RFC3339),
			"toggles": map[string]any{},
		},
	})
	_, err := s.unleashPost(ctx, "/client/metrics", identity, body)
	return err
}

func (s *Service) unleashPost(ctx context.Context, path string, identity unleashIdentity, body []byte) ([]byte, error) {
	status, _, respBody, err := s.tr.Fetch(ctx, &fingerprint.Request{
		Method:  http.MethodPost,
		URL:     unleashBaseURL + path,
		Headers: s.unleashHeaders(identity, len(body)),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return respBody, fmt.Errorf("unleash %s status %d", path, status)
	}
	return respBody, nil
}

func (s *Service) unleashHeaders(identity unleashIdentity, bodyLen int) []fingerprint.Header {
	headers := []fingerprint.Header{
		{Name: "Host", Value: "unleash.antigravity.google"},
		{Name: "User-Agent", Value: version.UserAgent()},
		{Name: "UNLEASH-APPNAME", Value: unleashAppName},
		{Name: "UNLEASH-INSTANCEID", Value: identity.ConnectionID},
		{Name: "UNLEASH-CONNECTION-ID", Value: identity.ConnectionID},
		{Name: "Accept", Value: "application/json"},
	}
	if bodyLen > 0 {
		headers = append(headers,
			fingerprint.Header{Name: "Content-Type", Value: "application/json"},
			fingerprint.Header{Name: "Content-Length", Value: fmt.Sprintf("%d", bodyLen)},
		)
	}
	return headers
}
