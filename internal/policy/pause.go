// Package policy implements the Policy / Pause Gate (C8): a thin
// facade over a redis-backed key/value cache for the three
// independent pause switches. Non-existence of a flag's key
// means not paused.
package policy

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	mt "github.com/marklabs/mark/internal/types"
)

const keyPrefix = "mark:pause:"

// ErrAlreadyPaused is returned by SetPause when flag is already set.
var ErrAlreadyPaused = errors.New("policy: flag already paused")

// ErrNotPaused is returned by Unpause when flag is not currently set.
var ErrNotPaused = errors.New("policy: flag not paused")

// Gate is the Policy / Pause Gate.
type Gate struct {
	client *redis.Client
}

// New wraps an existing redis client as a Gate.
func New(client *redis.Client) *Gate {
	return &Gate{client: client}
}

func key(flag mt.PauseFlag) string {
	return keyPrefix + string(flag)
}

// IsPaused reports whether flag is currently set.
func (g *Gate) IsPaused(ctx context.Context, flag mt.PauseFlag) (bool, error) {
	_, err := g.client.Get(ctx, key(flag)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "policy: read pause flag")
	}
	return true, nil
}

// SetPause transitions flag to paused. It is an explicit admin action
// and reports ErrAlreadyPaused if the flag is already set.
func (g *Gate) SetPause(ctx context.Context, flag mt.PauseFlag) error {
	wasSet, err := g.client.SetNX(ctx, key(flag), "1", 0).Result()
	if err != nil {
		return errors.Wrap(err, "policy: set pause flag")
	}
	if !wasSet {
		return ErrAlreadyPaused
	}
	return nil
}

// Unpause transitions flag to not-paused, reporting ErrNotPaused if it
// was not currently set.
func (g *Gate) Unpause(ctx context.Context, flag mt.PauseFlag) error {
	deleted, err := g.client.Del(ctx, key(flag)).Result()
	if err != nil {
		return errors.Wrap(err, "policy: clear pause flag")
	}
	if deleted == 0 {
		return ErrNotPaused
	}
	return nil
}

// Snapshot holds the state of all three pause flags, for the invoice
// processor's per-tick read.
type Snapshot struct {
	Purchase  bool
	Rebalance bool
	OnDemand  bool
}

// ReadAll returns the current state of all three flags, reading each
// one with its own IsPaused call.
func (g *Gate) ReadAll(ctx context.Context) (Snapshot, error) {
	purchase, err := g.IsPaused(ctx, mt.PausePurchase)
	if err != nil {
		return Snapshot{}, err
	}
	rebalance, err := g.IsPaused(ctx, mt.PauseRebalance)
	if err != nil {
		return Snapshot{}, err
	}
	onDemand, err := g.IsPaused(ctx, mt.PauseOnDemand)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Purchase: purchase, Rebalance: rebalance, OnDemand: onDemand}, nil
}
