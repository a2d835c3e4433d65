package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Reconcile repairs driver availability after a crash between a ride update
// and the matching registry call. Unavailable drivers without a non-terminal
// ride are released; available drivers that still hold an active ride are
// claimed again. It returns the number of drivers released.
func (m *Matcher) Reconcile(ctx context.Context) (int, error) {
	drivers, err := m.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list drivers: %w", err)
	}
	var (
		released, reclaimed int
		errs                []error
	)
	for _, d := range drivers {
		_, active, err := m.store.ActiveRideForDriver(ctx, d.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case !d.Available && !active:
			if err := m.registry.Release(ctx, d.ID); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", d.ID, err))
				continue
			}
			released++
			reconciledDrivers.WithLabelValues("released").Inc()
		case d.Available && active:
			if err := m.registry.ClaimDriver(ctx, d.ID); err != nil {
				errs = append(errs, fmt.Errorf("claim %s: %w", d.ID, err))
				continue
			}
			reclaimed++
			reconciledDrivers.WithLabelValues("claimed").Inc()
		}
	}
	if released > 0 || reclaimed > 0 {
		m.logger.Info("driver availability reconciled", zap.Int("released", released), zap.Int("reclaimed", reclaimed))
	}
	return released, errors.Join(errs...)
}
