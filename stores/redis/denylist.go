// Package redis keeps revoked refresh token ids in Redis so that logout
// takes effect across every server instance.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist implements masterauth.Revoker. Each revoked id is a key that
// expires when the token itself would have.
type Denylist struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewDenylist stores entries under "<prefix>:<jti>". An empty prefix
// defaults to "revoked".
func NewDenylist(client *redis.Client, prefix string) *Denylist {
	if prefix == "" {
		prefix = "revoked"
	}
	return &Denylist{client: client, prefix: prefix, now: time.Now}
}

func (d *Denylist) key(jti string) string {
	return d.prefix + ":" + jti
}

func (d *Denylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return errors.New("token has no id")
	}
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		// Already expired; verification rejects it regardless.
		return nil
	}
	return d.client.Set(ctx, d.key(jti), 1, ttl).Err()
}

func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
