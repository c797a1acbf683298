package taskloop

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	cfg, err := resolveOptions(nil)
	require.NoError(t, err)

	want := runtime.GOMAXPROCS(0)
	if want > maxWorkers {
		want = maxWorkers
	}
	require.Equal(t, want, cfg.workerThreads)
	require.Equal(t, uint32(defaultQueueCapacity), cfg.queueCapacity)
	require.True(t, cfg.enableWorkStealing)
	require.True(t, cfg.enableLifoSlot)
	require.Equal(t, LocalFirst, cfg.schedulingStrategy)
	require.Equal(t, uint32(61), cfg.globalQueueInterval)
	require.Equal(t, 4, cfg.stealRetryCount)
	require.Equal(t, BackendAuto, cfg.ioBackend)
	require.Equal(t, uint32(defaultQueueCapacity/4), cfg.stealBatchSize)
	require.False(t, cfg.metricsEnabled)
}

func TestOptions_WorkerBounds(t *testing.T) {
	_, err := resolveOptions([]Option{WithWorkerThreads(0)})
	require.Error(t, err)
	_, err = resolveOptions([]Option{WithWorkerThreads(65)})
	require.Error(t, err)
	cfg, err := resolveOptions([]Option{WithWorkerThreads(64)})
	require.NoError(t, err)
	require.Equal(t, 64, cfg.workerThreads)
}

func TestOptions_QueueCapacityPowerOfTwo(t *testing.T) {
	for _, bad := range []uint32{0, 3, 100, 255} {
		_, err := resolveOptions([]Option{WithQueueCapacity(bad)})
		require.Error(t, err, "capacity %d", bad)
	}
	cfg, err := resolveOptions([]Option{WithQueueCapacity(1024)})
	require.NoError(t, err)
	require.Equal(t, uint32(1024), cfg.queueCapacity)
}

func TestOptions_StealBatchSizeCap(t *testing.T) {
	_, err := resolveOptions([]Option{
		WithQueueCapacity(64),
		WithStealBatchSize(17), // > 64/4
	})
	require.Error(t, err)

	cfg, err := resolveOptions([]Option{
		WithQueueCapacity(64),
		WithStealBatchSize(16),
	})
	require.NoError(t, err)
	require.Equal(t, uint32(16), cfg.stealBatchSize)
}

func TestOptions_UnknownStrategyAndBackend(t *testing.T) {
	_, err := resolveOptions([]Option{WithSchedulingStrategy(SchedulingStrategy(9))})
	require.Error(t, err)
	_, err = resolveOptions([]Option{WithIOBackend(IOBackend("weird"))})
	require.Error(t, err)
}

func TestOptions_ForeignBackendFailsAtInit(t *testing.T) {
	// iocp/io_uring are recognised names but not compiled here.
	_, err := New(WithIOBackend(BackendIOCP))
	require.Error(t, err)
	_, err = New(WithIOBackend(BackendIOUring))
	require.Error(t, err)
}

func TestOptions_NilOptionSkipped(t *testing.T) {
	cfg, err := resolveOptions([]Option{nil, WithMetrics(true)})
	require.NoError(t, err)
	require.True(t, cfg.metricsEnabled)
}
