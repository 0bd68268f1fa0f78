package dispatch

import (
	"context"
	"database/sql"
	"time"

	"ag2api-go/internal/config"
	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

// Attempt statuses recorded per upstream call.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// CallFunc performs one upstream call on the selected account. For streaming
// routes it returns only after the stream is fully relayed or fails.
type CallFunc func(ctx context.Context, sel *pool.Selection) error

// TokenRefresher is the slice of the token manager the auth reflow needs.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, acct *store.Account) (string, error)
}

// Dispatcher drives the two retry strategies over the account pool. Every
// upstream call, success or not, leaves an attempt-log row.
type Dispatcher struct {
	cfg    *config.Config
	st     *store.Store
	pool   *pool.Pool
	tokens TokenRefresher

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher.
func New(cfg *config.Config, st *store.Store, p *pool.Pool, tokens TokenRefresher) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		st:     st,
		pool:   p,
		tokens: tokens,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chat 以完整重试策略执行一次对话调用: 每个账号最多 sameAccountRetries+1 次,
// 账号间切换次数受可用账号数与全局截止时间约束。401 触发一次强制刷新并在同
// 账号上重试; 不可重试错误与客户端取消立即返回。
func (d *Dispatcher) Chat(ctx context.Context, requestID, model string, call CallFunc) error {
	var deadline time.Time
	if d.cfg.RetryTotalTimeoutMS > 0 {
		deadline = d.now().Add(time.Duration(d.cfg.RetryTotalTimeoutMS) * time.Millisecond)
	}

	maxAccounts := d.pool.AvailableAccountCount(model)
	if maxAccounts < 1 {
		maxAccounts = 1
	}

	exclude := make(map[int64]bool)
	attemptNo := 0
	var lastErr error

	for accountAttempt := 1; accountAttempt <= maxAccounts; accountAttempt++ {
		if d.pastDeadline(deadline) {
			break
		}
		sel, err := d.pool.GetNextAccount(ctx, model, exclude)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = d.tryAccount(ctx, requestID, sel, call, deadline, accountAttempt, &attemptNo)
		d.pool.UnlockAccount(sel.Account.ID)
		if err == nil {
			return nil
		}
		if apierr.IsCancelled(err) || apierr.IsNonRetryable(err) {
			return err
		}
		lastErr = err
		exclude[sel.Account.ID] = true
	}

	if lastErr == nil {
		lastErr = apierr.New(504, "retry_deadline", "",
			"Retry deadline exceeded before any account could serve the request")
	}
	return lastErr
}

// tryAccount runs the same-account leg of the full strategy. The selection
// stays locked for its whole duration; the caller unlocks.
func (d *Dispatcher) tryAccount(ctx context.Context, requestID string, sel *pool.Selection,
	call CallFunc, deadline time.Time, accountAttempt int, attemptNo *int) error {

	refreshed := false
	var lastErr error
	for sameRetry := 0; ; sameRetry++ {
		if sameRetry > 0 && d.pastDeadline(deadline) {
			return lastErr
		}

		*attemptNo++
		start := d.now()
		err := call(ctx, sel)
		latency := d.now().Sub(start).Milliseconds()
		d.logAttempt(requestID, sel, *attemptNo, accountAttempt, sameRetry, start, latency, err)

		if err == nil {
			d.pool.MarkAccountSuccess(sel.Account.ID, sel.Resolution.SelectionKey)
			return nil
		}
		if apierr.IsCancelled(err) {
			return err
		}
		if apierr.IsNonRetryable(err) {
			return err
		}
		lastErr = err

		if apierr.IsAuth(err) {
			if refreshed || apierr.IsRefreshTokenInvalid(err) {
				d.pool.MarkAccountError(sel.Account.ID, err.Error())
				return err
			}
			refreshed = true
			tok, rerr := d.tokens.ForceRefresh(ctx, sel.Account)
			if rerr != nil {
				d.pool.MarkAccountError(sel.Account.ID, rerr.Error())
				return err
			}
			sel.AccessToken = tok
			log.WithFields(log.Fields{"request_id": requestID, "account_id": sel.Account.ID}).
				Debug("retrying after forced token refresh")
			continue
		}

		if apierr.IsCapacity(err) {
			d.pool.MarkCapacityLimited(sel.Account.ID, sel.Resolution.SelectionKey, err)
			// Only globally-saturated capacity is worth waiting out on the
			// same account; otherwise switching is strictly better.
			if apierr.IsServerCapacityExhausted(err) && sameRetry < d.cfg.SameAccountRetries {
				if serr := d.sleep(ctx, d.capacityDelay(err, sameRetry+1)); serr != nil {
					return lastErr
				}
				continue
			}
			return err
		}

		d.pool.MarkAccountError(sel.Account.ID, err.Error())
		if sameRetry < d.cfg.SameAccountRetries {
			delay := time.Duration(d.cfg.SameAccountRetryDelayMS) * time.Millisecond
			if serr := d.sleep(ctx, delay); serr != nil {
				return lastErr
			}
			continue
		}
		return err
	}
}

// CountTokens 以容量重试策略执行轻量调用: 每次尝试换一个账号 (排除集增长),
// 仅在上游整体饱和时复用同一账号。
func (d *Dispatcher) CountTokens(ctx context.Context, requestID, model string, call CallFunc) error {
	maxAttempts := d.cfg.SameAccountRetries + 2
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	exclude := make(map[int64]bool)
	attemptNo := 0
	var sel *pool.Selection
	var lastErr error

	defer func() {
		if sel != nil {
			d.pool.UnlockAccount(sel.Account.ID)
		}
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if sel == nil {
			next, err := d.pool.GetNextAccount(ctx, model, exclude)
			if err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
			sel = next
		}

		attemptNo++
		start := d.now()
		err := call(ctx, sel)
		latency := d.now().Sub(start).Milliseconds()
		d.logAttempt(requestID, sel, attemptNo, attempt, 0, start, latency, err)

		if err == nil {
			d.pool.MarkAccountSuccess(sel.Account.ID, sel.Resolution.SelectionKey)
			return nil
		}
		if apierr.IsCancelled(err) || apierr.IsNonRetryable(err) {
			return err
		}
		lastErr = err

		if apierr.IsCapacity(err) {
			d.pool.MarkCapacityLimited(sel.Account.ID, sel.Resolution.SelectionKey, err)
		} else {
			d.pool.MarkAccountError(sel.Account.ID, err.Error())
		}

		if !apierr.IsServerCapacityExhausted(err) {
			d.pool.UnlockAccount(sel.Account.ID)
			exclude[sel.Account.ID] = true
			sel = nil
		}

		if attempt < maxAttempts {
			if serr := d.sleep(ctx, d.capacityDelay(err, attempt)); serr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// capacityDelay picks the wait before a capacity retry: the upstream's reset
// hint plus a second when present, linear backoff otherwise.
func (d *Dispatcher) capacityDelay(err error, attempt int) time.Duration {
	if hint, ok := apierr.ParseResetAfter(err.Error()); ok {
		return hint + time.Second
	}
	base := time.Duration(d.cfg.UpstreamCapacityRetryDelayMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	return base * time.Duration(attempt)
}

func (d *Dispatcher) pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && !d.now().Before(deadline)
}

func (d *Dispatcher) logAttempt(requestID string, sel *pool.Selection,
	attemptNo, accountAttempt, sameRetry int, start time.Time, latency int64, callErr error) {

	status := StatusSuccess
	msg := ""
	if callErr != nil {
		status = StatusError
		if apierr.IsCancelled(callErr) {
			status = StatusAborted
		}
		msg = callErr.Error()
	}
	a := &store.Attempt{
		RequestID:      requestID,
		AccountID:      sql.NullInt64{Int64: sel.Account.ID, Valid: true},
		Model:          sel.Resolution.Mapped,
		AttemptNo:      attemptNo,
		AccountAttempt: accountAttempt,
		SameRetry:      sameRetry,
		Status:         status,
		LatencyMS:      latency,
		ErrorMessage:   msg,
		StartedAt:      start.UnixMilli(),
	}
	if err := d.st.InsertAttempt(a); err != nil {
		log.WithField("request_id", requestID).WithError(err).Warn("attempt log write failed")
	}
}
