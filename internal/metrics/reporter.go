package metrics

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultStatsSchedule reports relay statistics once a minute
const DefaultStatsSchedule = "@every 1m"

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Snapshot is a point-in-time view of the relay
type Snapshot struct {
	ActiveSessions    int `json:"active_sessions"`
	RegisteredDevices int `json:"registered_devices"`
}

// SnapshotFunc returns the current relay snapshot
type SnapshotFunc func() Snapshot

// ValidateSchedule checks that expr is a schedule the reporter accepts
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", expr, err)
	}
	return nil
}

// Reporter periodically logs relay statistics and refreshes gauges
type Reporter struct {
	cron     *cron.Cron
	schedule string
	snapshot SnapshotFunc
	metrics  *Metrics
	logger   zerolog.Logger
	runs     atomic.Int64
}

// NewReporter creates a reporter for the given cron schedule
func NewReporter(schedule string, snapshot SnapshotFunc, m *Metrics, logger zerolog.Logger) (*Reporter, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot function is required")
	}
	if schedule == "" {
		schedule = DefaultStatsSchedule
	}

	r := &Reporter{
		cron:     cron.New(cron.WithParser(scheduleParser)),
		schedule: schedule,
		snapshot: snapshot,
		metrics:  m,
		logger:   logger.With().Str("component", "stats").Logger(),
	}

	if _, err := r.cron.AddFunc(schedule, func() { r.Report() }); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}

	return r, nil
}

// Start begins reporting in the background
func (r *Reporter) Start() {
	r.cron.Start()
	r.logger.Debug().Str("schedule", r.schedule).Msg("Stats reporter started")
}

// Stop stops the scheduler and waits for a running report to finish
func (r *Reporter) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Report logs one snapshot immediately
func (r *Reporter) Report() Snapshot {
	snap := r.snapshot()
	r.runs.Add(1)

	if r.metrics != nil {
		r.metrics.DevicesRegistered.Set(float64(snap.RegisteredDevices))
	}

	r.logger.Info().
		Int("sessions_active", snap.ActiveSessions).
		Int("devices_registered", snap.RegisteredDevices).
		Msg("Relay stats")

	return snap
}

// Runs returns how many reports have been produced
func (r *Reporter) Runs() int64 {
	return r.runs.Load()
}
