package pool

import (
	log "github.com/sirupsen/logrus"

	"ag2api-go/internal/store"
)

// overLock reports whether the account is at its concurrency cap. A cap of
// zero or less disables locking entirely.
func (p *Pool) overLock(accountID int64) bool {
	limit := p.cfg.MaxConcurrentPerAccount
	if limit <= 0 {
		return false
	}
	p.mu.RLock()
	n := p.locks[accountID]
	p.mu.RUnlock()
	return n >= limit
}

func (p *Pool) lock(accountID int64) {
	if p.cfg.MaxConcurrentPerAccount <= 0 {
		return
	}
	p.mu.Lock()
	p.locks[accountID]++
	p.mu.Unlock()
}

// UnlockAccount releases one concurrency slot. Safe to call more than once.
func (p *Pool) UnlockAccount(accountID int64) {
	if p.cfg.MaxConcurrentPerAccount <= 0 {
		return
	}
	p.mu.Lock()
	if p.locks[accountID] > 0 {
		p.locks[accountID]--
	}
	if p.locks[accountID] == 0 {
		delete(p.locks, accountID)
	}
	p.mu.Unlock()
}

// MarkAccountSuccess resets the error counter and cooldown for the pair and
// pins stickiness to the account that just served.
func (p *Pool) MarkAccountSuccess(accountID int64, selectionKey string) {
	p.mu.Lock()
	delete(p.errCounts, accountID)
	p.sticky[selectionKey] = accountID
	p.mu.Unlock()
	p.MarkCapacityRecovered(accountID, selectionKey)
	if err := p.st.ResetErrorCount(accountID); err != nil {
		log.WithField("account_id", accountID).WithError(err).Debug("error counter reset failed")
	}
}

// MarkAccountError bumps the account's consecutive-error counter and disables
// the account once the threshold is crossed.
func (p *Pool) MarkAccountError(accountID int64, message string) {
	p.mu.Lock()
	p.errCounts[accountID]++
	count := p.errCounts[accountID]
	p.mu.Unlock()

	if _, err := p.st.BumpErrorCount(accountID, message); err != nil {
		log.WithField("account_id", accountID).WithError(err).Warn("error counter persist failed")
	}

	threshold := p.cfg.ErrorCountToDisable
	if threshold > 0 && count >= threshold {
		if err := p.st.UpdateStatus(accountID, store.StatusError, message); err != nil {
			log.WithField("account_id", accountID).WithError(err).Warn("failed to disable account")
			return
		}
		log.WithFields(log.Fields{"account_id": accountID, "errors": count}).
			Warn("account disabled after consecutive errors")
	}
}
