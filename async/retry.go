package async

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Retry calls fn up to attempts times, sleeping base, 2*base, 4*base ...
// between tries. It stops early when fn succeeds or the context is done,
// and returns the last error otherwise.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		log.WithError(err).WithField("attempt", i+1).Debug("retrying after upstream failure")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
