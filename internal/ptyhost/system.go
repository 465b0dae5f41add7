package ptyhost

import (
	"log/slog"
	"time"
)

// System bundles the wired-together PTY Host components a daemon
// entrypoint needs: the Registry (spawn/write/resize/kill) and the
// RPCSurface (session dispatch) built from a shared Config and EventSink.
type System struct {
	Registry *Registry
	Surface  *RPCSurface
}

// NewSystem wires a Registry and RPCSurface from cfg, following the same
// construction order the package's own tests use (activity monitor,
// pattern registry, backpressure manager, IPC queue manager, projection
// service, then the registry and RPC surface on top).
func NewSystem(cfg *Config, sink EventSink, logger *slog.Logger, now func() time.Time) *System {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	activity := NewActivityMonitor(cfg.activityDebounce(), now, nil)
	backpressure := NewBackpressureManager(
		cfg.MaxPendingBytesPerTerminal,
		cfg.MaxTotalPendingBytes,
		cfg.backpressureSafetyTimeout(),
		cfg.backpressureCheckInterval(),
		now,
		sink,
	)
	backpressure.SetShardCount(cfg.ShardCount)

	ipcQueue := NewIPCQueueManager(
		cfg.IPCMaxQueueBytes,
		cfg.IPCHighWatermarkPercent,
		cfg.IPCLowWatermarkPercent,
		cfg.IPCMaxPauseMS,
		cfg.ipcCheckInterval(),
		now,
		sink,
		func(terminalID string) {
			logger.Warn("consumer may be stalled", "terminal", terminalID)
		},
	)
	backpressure.SetOnSuspend(ipcQueue.ClearQueue)

	projection := NewProjectionService(now)
	registry := NewRegistry(
		activity,
		NewPatternRegistry(),
		backpressure,
		ipcQueue,
		projection,
		sink,
		logger,
		now,
	)
	activity.SetOnTierChange(registry.handleActivityTierChange)
	if broadcaster, ok := sink.(*Broadcaster); ok {
		broadcaster.SetAcker(registry.Ack)
	}

	surface := NewRPCSurface(registry, logger, now)

	return &System{Registry: registry, Surface: surface}
}
