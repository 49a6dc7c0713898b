// Package scheduler runs the periodic Class-B/C downlink pass: devices
// and multicast-groups with due queue items are picked up in batches
// and handed to the downlink builder.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/downlink/data"
	"github.com/loracore/loracore/internal/downlink/multicast"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

const deviceLockKeyTempl = "lock:device:%s"

// Server is the scheduler loop.
type Server struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer returns a new scheduler server.
func NewServer() *Server {
	return &Server{}
}

// Start starts the scheduler loop.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	conf := config.Get()
	interval := conf.NetworkServer.Scheduler.Interval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := schedulePass(ctx); err != nil {
					slog.Error("scheduler pass error", "component", "scheduler", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the scheduler loop.
func (s *Server) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// schedulePass runs one batch over the schedulable devices and
// multicast-groups.
func schedulePass(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())
	}()

	var g errgroup.Group
	g.Go(func() error {
		return scheduleDeviceBatch(ctx)
	})
	g.Go(func() error {
		return scheduleMulticastBatch(ctx)
	})
	return g.Wait()
}

func scheduleDeviceBatch(ctx context.Context) error {
	conf := config.Get()

	devEUIs, err := storage.GetSchedulableDevices(ctx, conf.NetworkServer.Scheduler.BatchSize, 2*conf.NetworkServer.Scheduler.Interval)
	if err != nil {
		return errors.Wrap(err, "get schedulable devices error")
	}

	var g errgroup.Group
	for _, devEUI := range devEUIs {
		devEUI := devEUI
		g.Go(func() error {
			err := scheduleDevice(ctx, devEUI)
			if err != nil {
				slog.Error("schedule device error", "component", "scheduler", "dev_eui", devEUI.String(), "error", err)
			}
			// a failing device must not abort the batch
			return nil
		})
	}
	return g.Wait()
}

func scheduleDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	conf := config.Get()

	// the same lock serializes against the uplink pipeline; when the
	// device is busy this tick is skipped, not queued
	err := storage.LockKey(ctx, storage.GetRedisKey(deviceLockKeyTempl, devEUI), conf.NetworkServer.Scheduler.ClassCLockDuration)
	if err != nil {
		if errors.Cause(err) == storage.ErrAlreadyExists {
			return nil
		}
		return err
	}

	ds, err := storage.GetDeviceSession(ctx, devEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			// session expired, stop scheduling the device
			return storage.RemoveDeviceFromScheduler(ctx, devEUI)
		}
		return errors.Wrap(err, "get device-session error")
	}

	device, err := storage.GetDevice(ctx, devEUI)
	if err != nil {
		return errors.Wrap(err, "get device error")
	}
	if device.IsDisabled {
		return nil
	}

	return data.HandleScheduleNextQueueItem(ctx, device, ds)
}

func scheduleMulticastBatch(ctx context.Context) error {
	conf := config.Get()

	ids, err := storage.GetSchedulableMulticastGroups(ctx, conf.NetworkServer.Scheduler.BatchSize, 2*conf.NetworkServer.Scheduler.Interval)
	if err != nil {
		return errors.Wrap(err, "get schedulable multicast-groups error")
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := multicast.HandleScheduleQueueItems(ctx, id); err != nil {
				slog.Error("schedule multicast-group error", "component", "scheduler", "multicast_group_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
