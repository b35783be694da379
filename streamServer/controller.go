package streamServer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dptscreen/dpt"
	"dptscreen/sdriver"
	sagent "dptscreen/streamAgent"
)

const DefaultWatchInterval = time.Second

var ErrNoStream = errors.New("no active stream")

// DriverFactory builds the driver for an endpoint.
type DriverFactory func(endpoint dpt.DeviceEndpoint) (sdriver.SDriver, error)

type ControllerConfig struct {
	Scan dpt.ScanConfig
	// RediscoverAfter consecutive failures trigger a new scan. Zero disables.
	RediscoverAfter int
	WatchInterval   time.Duration
	NewDriver       DriverFactory
}

// StreamController owns the current driver. The mailbox and agent outlive
// driver restarts so viewers keep their place in the frame sequence.
type StreamController struct {
	sync.RWMutex
	config  ControllerConfig
	logger  *slog.Logger
	mailbox *sdriver.Mailbox
	agent   *sagent.Agent

	driver    sdriver.SDriver
	endpoint  dpt.DeviceEndpoint
	streamCtx context.Context
}

func NewStreamController(config ControllerConfig, agentConfig sagent.AgentConfig, logger *slog.Logger) *StreamController {
	if config.WatchInterval <= 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	mailbox := sdriver.NewMailbox()
	return &StreamController{
		config:  config,
		logger:  logger.With("component", "controller"),
		mailbox: mailbox,
		agent:   sagent.New(agentConfig, mailbox, logger),
	}
}

func (sc *StreamController) Agent() *sagent.Agent { return sc.agent }

// StartStream replaces the running driver with one for endpoint. The driver
// lives until ctx is done or the stream is stopped.
func (sc *StreamController) StartStream(ctx context.Context, endpoint dpt.DeviceEndpoint) error {
	if sc.config.NewDriver == nil {
		return errors.New("no driver factory configured")
	}
	sc.Lock()
	defer sc.Unlock()

	sc.stopLocked()
	d, err := sc.config.NewDriver(endpoint)
	if err != nil {
		return err
	}
	if err := d.StartStream(ctx, sc.mailbox); err != nil {
		return err
	}
	sc.driver = d
	sc.endpoint = endpoint
	sc.streamCtx = ctx
	sc.logger.Info("stream started", "device", endpoint.String())
	return nil
}

func (sc *StreamController) StopStream() {
	sc.Lock()
	defer sc.Unlock()
	sc.stopLocked()
}

func (sc *StreamController) stopLocked() {
	if sc.driver == nil {
		return
	}
	if err := sc.driver.Stop(); err != nil {
		sc.logger.Warn("stopping driver", "err", err)
	}
	// Frames from the old device, pending or mid-encode, must not reach viewers.
	sc.mailbox.Advance()
	sc.logger.Info("stream stopped", "device", sc.endpoint.String())
	sc.driver = nil
}

// Endpoint returns the device currently streamed from.
func (sc *StreamController) Endpoint() (dpt.DeviceEndpoint, bool) {
	sc.RLock()
	defer sc.RUnlock()
	return sc.endpoint, sc.driver != nil
}

func (sc *StreamController) Driver() (sdriver.SDriver, error) {
	sc.RLock()
	defer sc.RUnlock()
	if sc.driver == nil {
		return nil, ErrNoStream
	}
	return sc.driver, nil
}

// Rediscover scans the configured subnet and moves the stream to the device
// found. ctx bounds the scan only; the new driver inherits the lifetime of
// the previous stream.
func (sc *StreamController) Rediscover(ctx context.Context) (dpt.DeviceEndpoint, error) {
	endpoint, err := dpt.FindDevice(ctx, sc.config.Scan)
	if err != nil {
		return dpt.DeviceEndpoint{}, err
	}

	sc.RLock()
	streamCtx, current, running := sc.streamCtx, sc.endpoint, sc.driver != nil
	sc.RUnlock()
	if streamCtx == nil {
		return endpoint, ErrNoStream
	}
	if running && current == endpoint {
		sc.logger.Info("device unchanged after rediscovery", "device", endpoint.String())
	}
	return endpoint, sc.StartStream(streamCtx, endpoint)
}

// Watch applies the rediscovery policy until ctx is done. After a failed
// rediscovery the next attempt waits for another RediscoverAfter failures.
func (sc *StreamController) Watch(ctx context.Context) error {
	if sc.config.RediscoverAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(sc.config.WatchInterval)
	defer ticker.Stop()

	var watched sdriver.SDriver
	threshold := sc.config.RediscoverAfter
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		d, err := sc.Driver()
		if err != nil || d.Capabilities().Offline {
			continue
		}
		if d != watched {
			watched, threshold = d, sc.config.RediscoverAfter
		}
		failures := d.Stats().ConsecutiveFailures
		if failures < threshold {
			continue
		}

		sc.logger.Warn("device unreachable, rediscovering", "failures", failures)
		endpoint, err := sc.Rediscover(ctx)
		if err != nil {
			sc.logger.Error("rediscovery failed", "err", err)
			threshold = failures + sc.config.RediscoverAfter
			continue
		}
		sc.logger.Info("rediscovered device", "device", endpoint.String())
	}
}

// Run consumes frames into the agent and watches the stream until ctx is done.
func (sc *StreamController) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc.agent.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sc.Watch(ctx)
	}()
	wg.Wait()
	sc.StopStream()
	return nil
}
