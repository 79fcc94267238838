package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Ledger records applied side-effect keys with SETNX so several dispatcher
// processes share one view of what was already applied. Keys are kept without
// expiry because Redrive accepts dead letters of any age.
type Ledger struct {
	client *goredis.Client
}

// NewLedger wraps a connected client.
func NewLedger(client *goredis.Client) *Ledger {
	return &Ledger{client: client}
}

func (l *Ledger) Applied(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, appliedKeyPrefix+"ledger:"+key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Ledger) MarkApplied(ctx context.Context, key string) error {
	return l.client.SetNX(ctx, appliedKeyPrefix+"ledger:"+key, 1, 0).Err()
}
