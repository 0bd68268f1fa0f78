package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ag2api-go/internal/config"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	onboardAttempts        = 8
	defaultOnboardInterval = 2 * time.Second

	// onboardUser occasionally reports done=true before the project has
	// materialized; a couple of empty completions are tolerated.
	onboardEmptyDoneLimit = 2
)

var onboardTiers = []string{"standard-tier", "free-tier"}

type clientMetadataBody struct {
	IdeType    int `json:"ideType"`
	Platform   int `json:"platform"`
	PluginType int `json:"pluginType"`
}

func metadataBody() clientMetadataBody {
	return clientMetadataBody{IdeType: 6, Platform: 1, PluginType: 2}
}

// FetchProjectID discovers the account's Cloud Code project. loadCodeAssist
// is probed first (prod channel answers better for unprovisioned accounts);
// when it yields nothing the account is onboarded tier by tier.
func (m *Manager) FetchProjectID(ctx context.Context, acct *store.Account, accessToken string) (string, error) {
	loadPayload, _ := json.Marshal(map[string]any{"metadata": metadataBody()})

	for _, endpoint := range []string{config.ProdCodeAssistEndpoint, m.cfg.CodeAssistEndpoint} {
		body, err := m.api.ActionAt(ctx, endpoint, "loadCodeAssist", accessToken, loadPayload)
		if err != nil {
			log.WithFields(log.Fields{"account_id": acct.ID, "endpoint": endpoint}).
				WithError(err).Debug("loadCodeAssist failed")
			continue
		}
		if project := gjson.GetBytes(body, "cloudaicompanionProject").String(); project != "" {
			m.persistProject(acct, project, gjson.GetBytes(body, "currentTier.id").String())
			return project, nil
		}
	}

	for _, tier := range onboardTiers {
		project, err := m.onboard(ctx, acct, accessToken, tier)
		if err != nil {
			log.WithFields(log.Fields{"account_id": acct.ID, "tier": tier}).
				WithError(err).Debug("onboarding failed")
			continue
		}
		if project != "" {
			m.persistProject(acct, project, tier)
			return project, nil
		}
	}
	return "", fmt.Errorf("could not discover a project for account %d", acct.ID)
}

// onboard long-polls onboardUser until done=true carries a project id.
func (m *Manager) onboard(ctx context.Context, acct *store.Account, accessToken, tier string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"tierId":   tier,
		"metadata": metadataBody(),
	})

	emptyDone := 0
	for attempt := 0; attempt < onboardAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.onboardInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		body, err := m.api.Action(ctx, "onboardUser", accessToken, payload)
		if err != nil {
			return "", err
		}
		if !gjson.GetBytes(body, "done").Bool() {
			continue
		}
		project := gjson.GetBytes(body, "response.cloudaicompanionProject.id").String()
		if project != "" {
			return project, nil
		}
		emptyDone++
		if emptyDone > onboardEmptyDoneLimit {
			return "", fmt.Errorf("onboardUser completed without a project (tier %s)", tier)
		}
	}
	return "", fmt.Errorf("onboardUser did not complete within %d attempts (tier %s)", onboardAttempts, tier)
}

func (m *Manager) persistProject(acct *store.Account, project, tier string) {
	if err := m.st.UpdateTokens(acct.ID, acct.AccessToken, acct.TokenExpiresAt, "", project, tier); err != nil {
		log.WithField("account_id", acct.ID).WithError(err).Warn("failed to persist project id")
		return
	}
	acct.ProjectID = project
	if tier != "" {
		acct.Tier = tier
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "project": project, "tier": tier}).
		Info("project discovered")
}
