package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	pingTimeout  = 3 * time.Second
	retryBackoff = 500 * time.Millisecond
	maxBackoff   = 5 * time.Second
)

// pingWithRetry calls ping until it succeeds or attempts run out, doubling
// the pause between tries. Containers started together with the server are
// often not accepting connections yet.
func pingWithRetry(ctx context.Context, attempts int, what string, log zerolog.Logger, ping func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	backoff := retryBackoff
	var err error
	for i := 1; i <= attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts {
			break
		}

		log.Warn().Err(err).Str("target", what).Int("attempt", i).Dur("retry_in", backoff).Msg("Connection not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return err
}
