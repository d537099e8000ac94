package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

// WalletSource fetches the signed-in user's wallet. *backendclient.Client satisfies it.
type WalletSource interface {
	WalletBalance(ctx context.Context) (*backendclient.Wallet, error)
}

var _ WalletSource = (*backendclient.Client)(nil)

// UserHandle is the read-only user snapshot handed to wizards. Only Refresh
// changes it, and wizards never call Refresh.
type UserHandle struct {
	mu     sync.RWMutex
	snap   wizard.UserSnapshot
	wallet WalletSource
	clock  func() time.Time
}

func NewUserHandle(userID string, wallet WalletSource) *UserHandle {
	return &UserHandle{
		snap:   wizard.UserSnapshot{UserID: userID},
		wallet: wallet,
		clock:  time.Now,
	}
}

func (u *UserHandle) Snapshot() wizard.UserSnapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.snap
}

// Stale reports whether the snapshot was never refreshed or is older than maxAge.
func (u *UserHandle) Stale(maxAge time.Duration) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.snap.RefreshedAt.IsZero() || u.clock().Sub(u.snap.RefreshedAt) > maxAge
}

// Refresh re-fetches the wallet. ctx must carry the user's bearer token.
func (u *UserHandle) Refresh(ctx context.Context) error {
	if u.wallet == nil {
		return nil
	}
	wallet, err := u.wallet.WalletBalance(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.snap.AvailableBalance = wallet.AvailableBalance
	if name := strings.TrimSpace(wallet.AccountName); name != "" {
		u.snap.DisplayName = name
	}
	u.snap.RefreshedAt = u.clock()
	return nil
}

var _ wizard.UserHandle = (*UserHandle)(nil)
