package camouflage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ag2api-go/internal/config"
	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/runtime"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

// actionCaller is the slice of the upstream client the schedulers post
// through, so everything shares the fingerprint transport with real traffic.
type actionCaller interface {
	Action(ctx context.Context, action, accessToken string, payload []byte) ([]byte, error)
}

// fetcher is the raw transport slice for the non-CodeAssist endpoints
// (unleash, updater).
type fetcher interface {
	Fetch(ctx context.Context, req *fingerprint.Request) (int, http.Header, []byte, error)
}

// TokenSource resolves a usable access token for an account.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, acct *store.Account) (string, error)
}

// idleGate suspends heartbeats after this much silence. The timers keep
// ticking so traffic resumes them within one period.
const idleGate = 3 * time.Minute

// Service 负责模仿官方客户端的后台流量：预热、心跳、遥测、轨迹上报、
// 特性开关轮询与版本探测。所有失败只记录日志，绝不影响请求路径。
type Service struct {
	cfg    *config.Config
	st     *store.Store
	api    actionCaller
	tr     fetcher
	tokens TokenSource
	sup    *runtime.Supervisor
	now    func() time.Time

	lastTraffic atomic.Int64 // unix ms of the last downstream request

	mu        sync.Mutex
	hbTokens  map[int64]string          // hot-swapped by token refreshes
	unleashID map[int64]unleashIdentity // stable per-account identity
	etags     map[int64]string          // unleash features ETag cache

	versionMu     sync.Mutex
	lastVersionAt time.Time
}

// New builds the camouflage service. Start wires the schedulers onto sup.
func New(cfg *config.Config, st *store.Store, api actionCaller, tr fetcher, tokens TokenSource, sup *runtime.Supervisor) *Service {
	return &Service{
		cfg:       cfg,
		st:        st,
		api:       api,
		tr:        tr,
		tokens:    tokens,
		sup:       sup,
		now:       time.Now,
		hbTokens:  make(map[int64]string),
		unleashID: make(map[int64]unleashIdentity),
		etags:     make(map[int64]string),
	}
}

// Start launches the per-account schedulers for every active account plus the
// global version fetcher.
func (s *Service) Start() error {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		return fmt.Errorf("camouflage start: %w", err)
	}
	for _, acct := range accounts {
		if acct.Status == store.StatusActive {
			s.StartAccount(acct)
		}
	}
	return s.sup.StartPeriodic("camouflage:version", time.Hour, 0, s.fetchVersion)
}

// StartAccount launches warmup, heartbeat and unleash for one account.
func (s *Service) StartAccount(acct *store.Account) {
	s.mu.Lock()
	s.hbTokens[acct.ID] = acct.AccessToken
	s.mu.Unlock()

	id := acct.ID
	if err := s.sup.Start(fmt.Sprintf("warmup:%d", id), func(ctx context.Context) error {
		return s.warmup(ctx, id)
	}); err != nil {
		log.WithField("account_id", id).WithError(err).Debug("warmup not started")
	}
	if err := s.sup.StartPeriodic(fmt.Sprintf("heartbeat:%d", id), time.Second, 50*time.Millisecond, func(ctx context.Context) error {
		return s.heartbeatTick(ctx, id)
	}); err != nil {
		log.WithField("account_id", id).WithError(err).Debug("heartbeat not started")
	}
	if err := s.sup.StartPeriodic(fmt.Sprintf("unleash:%d", id), time.Minute, 5*time.Second, func(ctx context.Context) error {
		return s.unleashTick(ctx, id)
	}); err != nil {
		log.WithField("account_id", id).WithError(err).Debug("unleash not started")
	}
}

// StopAccount cancels every scheduler belonging to an account.
func (s *Service) StopAccount(accountID int64) {
	for _, kind := range []string{"warmup", "heartbeat", "unleash"} {
		s.sup.StopPrefix(fmt.Sprintf("%s:%d", kind, accountID))
	}
	s.mu.Lock()
	delete(s.hbTokens, accountID)
	delete(s.unleashID, accountID)
	delete(s.etags, accountID)
	s.mu.Unlock()
}

// NoteTraffic records downstream activity; heartbeats stay live for another
// idle-gate window.
func (s *Service) NoteTraffic() {
	s.lastTraffic.Store(s.now().UnixMilli())
}

// UpdateHeartbeatToken hot-swaps the token a running heartbeat uses without
// restarting its timer.
func (s *Service) UpdateHeartbeatToken(accountID int64, accessToken string) {
	s.mu.Lock()
	if _, ok := s.hbTokens[accountID]; ok {
		s.hbTokens[accountID] = accessToken
	}
	s.mu.Unlock()
}

// ReportRequest fires the per-request telemetry and trajectory posts in the
// background. Callers never wait on them.
func (s *Service) ReportRequest(acct *store.Account, accessToken, requestID, mappedModel string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.reportConversation(ctx, accessToken, requestID); err != nil {
			log.WithField("account_id", acct.ID).WithError(err).Debug("telemetry post failed")
		}
		if err := s.reportTrajectory(ctx, accessToken, requestID, mappedModel); err != nil {
			log.WithField("account_id", acct.ID).WithError(err).Debug("trajectory post failed")
		}
	}()
}

func (s *Service) accountToken(ctx context.Context, accountID int64) (*store.Account, string, error) {
	acct, err := s.st.GetAccount(accountID)
	if err != nil || acct == nil {
		return nil, "", fmt.Errorf("account %d unavailable: %w", accountID, err)
	}
	if acct.Status != store.StatusActive {
		return nil, "", fmt.Errorf("account %d is %s", accountID, acct.Status)
	}
	token, err := s.tokens.EnsureValidToken(ctx, acct)
	if err != nil {
		return nil, "", err
	}
	return acct, token, nil
}
