package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchedule(t *testing.T) {
	t.Run("should accept descriptors", func(t *testing.T) {
		assert.NoError(t, ValidateSchedule("@every 30s"))
		assert.NoError(t, ValidateSchedule("@hourly"))
	})

	t.Run("should accept five and six field expressions", func(t *testing.T) {
		assert.NoError(t, ValidateSchedule("*/5 * * * *"))
		assert.NoError(t, ValidateSchedule("*/10 * * * * *"))
	})

	t.Run("should reject garbage", func(t *testing.T) {
		assert.Error(t, ValidateSchedule("every minute"))
	})
}

func TestNewReporter(t *testing.T) {
	snapshot := func() Snapshot { return Snapshot{} }

	t.Run("should require a snapshot function", func(t *testing.T) {
		_, err := NewReporter("@every 1m", nil, nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		_, err := NewReporter("not a schedule", snapshot, nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("should default the schedule", func(t *testing.T) {
		r, err := NewReporter("", snapshot, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, DefaultStatsSchedule, r.schedule)
	})
}

func TestReporter_Report(t *testing.T) {
	m := NewMetrics()
	r, err := NewReporter("@every 1h", func() Snapshot {
		return Snapshot{ActiveSessions: 3, RegisteredDevices: 2}
	}, m, zerolog.Nop())
	require.NoError(t, err)

	snap := r.Report()

	assert.Equal(t, 3, snap.ActiveSessions)
	assert.Equal(t, 2, snap.RegisteredDevices)
	assert.Equal(t, int64(1), r.Runs())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DevicesRegistered))
}

func TestReporter_Schedule(t *testing.T) {
	r, err := NewReporter("@every 1s", func() Snapshot { return Snapshot{} }, nil, zerolog.Nop())
	require.NoError(t, err)

	r.Start()
	defer r.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return r.Runs() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}
