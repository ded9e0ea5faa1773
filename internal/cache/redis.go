// Package cache holds the small Redis-backed coordination primitives of
// the checkout service: webhook delivery dedupe and the sweeper lease.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is what Claim found for an event id.
type ClaimState int

const (
	// Claimed means the caller owns the event and should process it.
	Claimed ClaimState = iota
	// InFlight means another delivery holds an unconfirmed claim.
	InFlight
	// Done means the event was processed before.
	Done
)

const (
	dedupeProcessing = "processing"
	dedupeDone       = "done"
)

// Dedupe remembers webhook event ids so a redelivered event is processed
// once.  A claim first lives for the short processing TTL and is only
// kept for the full TTL once Confirm is called, so a delivery whose
// handler died mid-way is processed again on the next redelivery.
type Dedupe struct {
	client     *redis.Client
	ttl        time.Duration
	processing time.Duration
	prefix     string
}

// NewDedupe returns a Dedupe that keeps confirmed ids for ttl and
// unconfirmed claims for processing.  A non-positive processing TTL
// defaults to two minutes; it never exceeds ttl.
func NewDedupe(client *redis.Client, ttl, processing time.Duration) *Dedupe {
	if processing <= 0 {
		processing = 2 * time.Minute
	}
	if processing > ttl {
		processing = ttl
	}
	return &Dedupe{client: client, ttl: ttl, processing: processing, prefix: "webhook:seen:"}
}

// Claim tries to take id for processing.
func (d *Dedupe) Claim(ctx context.Context, id string) (ClaimState, error) {
	key := d.prefix + id
	ok, err := d.client.SetNX(ctx, key, dedupeProcessing, d.processing).Result()
	if err != nil {
		return Claimed, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return Claimed, nil
	}
	val, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; the next delivery will claim it.
		return InFlight, nil
	}
	if err != nil {
		return Claimed, fmt.Errorf("redis get failed: %w", err)
	}
	if val == dedupeDone {
		return Done, nil
	}
	return InFlight, nil
}

// Confirm marks id as processed and keeps it for the full TTL.
func (d *Dedupe) Confirm(ctx context.Context, id string) error {
	if err := d.client.Set(ctx, d.prefix+id, dedupeDone, d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Forget drops id so a later redelivery is processed again.  It is used
// when handling a claimed event failed.
func (d *Dedupe) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Lease grants a named lock that expires on its own, so a crashed holder
// never blocks the others for longer than the lease.
type Lease struct {
	client *redis.Client
	owner  string
}

// NewLease returns a Lease whose locks are tagged with owner.
func NewLease(client *redis.Client, owner string) *Lease {
	return &Lease{client: client, owner: owner}
}

// Acquire takes key for ttl and reports whether it was free.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "lease:"+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}
