package service

import (
	"context"
	"errors"
	"log"
	"time"
)

type SweepReport struct {
	FailedAttempts   int64
	EphemeralEntries int64
	UserSessions     int64
}

// Sweep prunes old failed attempts, expired ephemeral entries and expired
// refresh sessions. Each part runs even when another fails.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		rep  SweepReport
		errs []error
		err  error
	)
	if rep.FailedAttempts, err = s.guard.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.EphemeralEntries, err = s.eph.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.UserSessions, err = s.st.DeleteExpiredUserSessions(ctx, s.now()); err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("sweep_failed err=%v", err)
				continue
			}
			if rep.FailedAttempts+rep.EphemeralEntries+rep.UserSessions > 0 {
				log.Printf("sweep failed_attempts=%d ephemeral=%d sessions=%d", rep.FailedAttempts, rep.EphemeralEntries, rep.UserSessions)
			}
		}
	}
}
