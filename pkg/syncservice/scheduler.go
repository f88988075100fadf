package syncservice

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval                 = time.Hour
	DefaultMinBatteryPercent        = 20
	DefaultMinPluggedBatteryPercent = 5
)

// PowerState is the device's battery charge and whether it is charging.
type PowerState struct {
	BatteryPercent float64
	PluggedIn      bool
}

// PowerSource reads the current power state.
type PowerSource interface {
	PowerState(ctx context.Context) (PowerState, error)
}

// MainsPower is a PowerSource for machines without a battery.
type MainsPower struct{}

func (MainsPower) PowerState(context.Context) (PowerState, error) {
	return PowerState{BatteryPercent: 100, PluggedIn: true}, nil
}

// SchedulerConfig controls background runs.
type SchedulerConfig struct {
	Interval time.Duration
	// A run starts when the battery is above MinBatteryPercent, or when
	// plugged in and above MinPluggedBatteryPercent.
	MinBatteryPercent        float64
	MinPluggedBatteryPercent float64
}

// DefaultSchedulerConfig returns an hourly schedule with the standard power
// thresholds.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:                 DefaultInterval,
		MinBatteryPercent:        DefaultMinBatteryPercent,
		MinPluggedBatteryPercent: DefaultMinPluggedBatteryPercent,
	}
}

// PowerAllows reports whether a background run may start in state.
func (c SchedulerConfig) PowerAllows(state PowerState) bool {
	return state.BatteryPercent > c.MinBatteryPercent ||
		(state.PluggedIn && state.BatteryPercent > c.MinPluggedBatteryPercent)
}

// Scheduler starts a background sync every interval when power allows.
type Scheduler struct {
	service *Service
	power   PowerSource
	config  SchedulerConfig
	logger  zerolog.Logger
}

// NewScheduler creates a Scheduler. A nil power source means mains power.
func NewScheduler(service *Service, power PowerSource, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "SyncScheduler").Logger()
	if cfg.Interval <= 0 {
		logger.Warn().Dur("provided_interval", cfg.Interval).Msg("Interval must be positive, applying default.")
		cfg.Interval = DefaultInterval
	}
	if power == nil {
		power = MainsPower{}
	}
	return &Scheduler{service: service, power: power, config: cfg, logger: logger}
}

// Run ticks until ctx is done. It always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Scheduler started")

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		}
	}
}

// Tick performs one scheduled check and, when power allows, one background
// sync. It reports whether a sync ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	state, err := s.power.PowerState(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read power state, skipping scheduled sync")
		return false
	}
	if !s.config.PowerAllows(state) {
		s.logger.Info().
			Float64("battery_percent", state.BatteryPercent).
			Bool("plugged_in", state.PluggedIn).
			Msg("Battery too low, skipping scheduled sync")
		return false
	}

	_, err = s.service.SyncNow(ctx, RunOptions{Background: true})
	switch {
	case errors.Is(err, ErrNoAccount):
		s.logger.Debug().Msg("No account signed in, skipping scheduled sync")
		return false
	case err != nil:
		s.logger.Error().Err(err).Msg("Scheduled sync failed")
		return false
	}
	return true
}
