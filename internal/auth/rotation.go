package auth

import (
	"context"
	"log/slog"
	"time"
)

// resolveRotated handles the key rotation grace window. When a token hash
// has no record of its own, the previous-token index may still know it: the
// pre-rotation token authenticates as the rotated key until the grace
// deadline passes.
//
// Failures here degrade to "no record" rather than erroring out, so a store
// hiccup on the secondary index cannot break keys that were never rotated.
func resolveRotated(ctx context.Context, loader *Loader, tokenHash string, ttl time.Duration, now time.Time, logger *slog.Logger) *KeyRecord {
	key, err := loader.GetKeyByPreviousToken(ctx, tokenHash, ttl)
	if err != nil {
		if !IsNotFound(err) {
			logger.Warn("previous-token lookup failed", "error", err)
		}
		return nil
	}
	if !key.InGracePeriod(now) {
		return nil
	}
	return key
}
