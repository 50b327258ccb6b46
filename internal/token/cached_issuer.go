package token

import (
	"context"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
	"linguacall/pkg/logger"
)

// Cache is a credential store shared between sessions. Implementations must be
// safe for concurrent readers.
type Cache interface {
	Get(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, bool, error)
	Set(ctx context.Context, cred domain.Credential, ttl time.Duration) error
}

// CachedIssuer serves credentials from a cache until they are inside the renewal
// margin, then asks the upstream issuer. Cache errors fall through to upstream.
type CachedIssuer struct {
	upstream Issuer
	cache    Cache
	margin   time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewCachedIssuer wraps upstream with cache
func NewCachedIssuer(upstream Issuer, cache Cache, margin time.Duration) *CachedIssuer {
	if margin <= 0 {
		margin = constants.TokenRenewalMargin
	}
	return &CachedIssuer{
		upstream: upstream,
		cache:    cache,
		margin:   margin,
		now:      time.Now,
		log:      logger.Named("issuer"),
	}
}

// Issue returns a cached credential that is still outside the renewal margin,
// or a fresh one from upstream
func (c *CachedIssuer) Issue(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, error) {
	now := c.now()

	cred, ok, err := c.cache.Get(ctx, channel, uid)
	if err != nil {
		c.log.Warn("Credential cache read failed", zap.String("channel", channel), zap.Error(err))
	}
	if ok && RenewalDelay(cred.ExpiresAt, now, c.margin) > 0 {
		return cred, nil
	}

	cred, err = c.upstream.Issue(ctx, channel, uid)
	if err != nil {
		return domain.Credential{}, err
	}

	// The entry expires when the holder would start renewing, so renewals always
	// reach the issuer.
	if ttl := RenewalDelay(cred.ExpiresAt, now, c.margin); ttl > 0 {
		if err := c.cache.Set(ctx, cred, ttl); err != nil {
			c.log.Warn("Credential cache write failed", zap.String("channel", channel), zap.Error(err))
		}
	}
	return cred, nil
}
