package pool

import (
	"time"

	apierr "ag2api-go/internal/errors"
	log "github.com/sirupsen/logrus"
)

// coolingUntil reports whether (account, selectionKey) is cooling down, and
// until when. Expired entries are removed lazily on read; strikes survive so
// the next miss backs off further.
func (p *Pool) coolingUntil(accountID int64, selectionKey string) (time.Time, bool) {
	key := cooldownKey{accountID: accountID, selectionKey: selectionKey}
	p.mu.RLock()
	ce, ok := p.cooldowns[key]
	p.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if !p.now().Before(ce.until) {
		p.mu.Lock()
		if cur, still := p.cooldowns[key]; still && cur.until.Equal(ce.until) {
			cur.until = time.Time{}
			p.cooldowns[key] = cur
		}
		p.mu.Unlock()
		return time.Time{}, false
	}
	return ce.until, true
}

// MarkCapacityLimited 为 (账号, 选择键) 记一次容量耗尽并进入冷却。
// 上游整体饱和时不冷却任何账号; 错误消息带 "reset after Ns" 时冷却 (N+1) 秒,
// 否则按 min(上限, 底数·2^(n-1)) 指数退避。
func (p *Pool) MarkCapacityLimited(accountID int64, selectionKey string, err error) {
	if apierr.IsServerCapacityExhausted(err) {
		return
	}

	floor := time.Duration(p.cfg.CapacityCooldownDefaultMS) * time.Millisecond
	ceiling := time.Duration(p.cfg.CapacityCooldownMaxMS) * time.Millisecond
	if floor <= 0 {
		floor = 30 * time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}

	key := cooldownKey{accountID: accountID, selectionKey: selectionKey}
	p.mu.Lock()
	ce := p.cooldowns[key]
	ce.strikes++

	var dur time.Duration
	if hint, ok := apierr.ParseResetAfter(err.Error()); ok {
		dur = hint + time.Second
	} else {
		dur = floor << (ce.strikes - 1)
		if dur > ceiling || dur <= 0 {
			dur = ceiling
		}
	}
	ce.until = p.now().Add(dur)
	p.cooldowns[key] = ce
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"account_id":    accountID,
		"selection_key": selectionKey,
		"strikes":       ce.strikes,
		"cooldown":      dur.String(),
	}).Info("account cooling down")
}

// MarkCapacityRecovered clears the cooldown and its strike counter after a
// successful call on the pair.
func (p *Pool) MarkCapacityRecovered(accountID int64, selectionKey string) {
	p.mu.Lock()
	delete(p.cooldowns, cooldownKey{accountID: accountID, selectionKey: selectionKey})
	p.mu.Unlock()
}
