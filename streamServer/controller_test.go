package streamServer

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dptscreen/dpt"
	"dptscreen/sdriver"
	sagent "dptscreen/streamAgent"
)

type fakeDriver struct {
	endpoint dpt.DeviceEndpoint
	offline  bool
	failures atomic.Int32
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeDriver) StartStream(ctx context.Context, out *sdriver.Mailbox) error {
	f.started.Store(true)
	out.Offer(&dpt.ScreenFrame{Pix: make([]byte, 3), Width: 1, Height: 1, Stride: 3})
	return nil
}

func (f *fakeDriver) Stats() sdriver.Stats {
	return sdriver.Stats{ConsecutiveFailures: int(f.failures.Load())}
}

func (f *fakeDriver) Capabilities() sdriver.DriverCaps {
	return sdriver.DriverCaps{CanStream: true, Offline: f.offline}
}

func (f *fakeDriver) MediaMeta() sdriver.MediaMeta {
	return sdriver.MediaMeta{Source: f.endpoint.String()}
}

func (f *fakeDriver) Stop() error {
	f.stopped.Store(true)
	return nil
}

type driverLog struct {
	mu      sync.Mutex
	drivers []*fakeDriver
}

func (l *driverLog) factory(endpoint dpt.DeviceEndpoint) (sdriver.SDriver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := &fakeDriver{endpoint: endpoint}
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *driverLog) last() *fakeDriver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.drivers) == 0 {
		return nil
	}
	return l.drivers[len(l.drivers)-1]
}

func (l *driverLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.drivers)
}

// hostDialer accepts connections only for the addresses in live.
type hostDialer struct {
	mu   sync.Mutex
	live map[netip.Addr]bool
}

func (d *hostDialer) set(addrs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = map[netip.Addr]bool{}
	for _, a := range addrs {
		d.live[netip.MustParseAddr(a)] = true
	}
}

func (d *hostDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	ok := d.live[ap.Addr()]
	d.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: net.UnknownNetworkError("refused")}
	}
	local, remote := net.Pipe()
	remote.Close()
	return local, nil
}

func endpoint(addr string) dpt.DeviceEndpoint {
	return dpt.DeviceEndpoint{Addr: netip.MustParseAddr(addr), Port: dpt.DefaultPort}
}

func newController(t *testing.T, log *driverLog, dialer *hostDialer, after int) *StreamController {
	t.Helper()
	return NewStreamController(ControllerConfig{
		Scan: dpt.ScanConfig{
			Subnet:  netip.MustParsePrefix("10.0.0.0/29"),
			Timeout: 100 * time.Millisecond,
			Dialer:  dialer,
		},
		RediscoverAfter: after,
		WatchInterval:   5 * time.Millisecond,
		NewDriver:       log.factory,
	}, sagentConfig(), nil)
}

func TestStartStreamReplacesDriver(t *testing.T) {
	log := &driverLog{}
	sc := newController(t, log, &hostDialer{}, 0)
	ctx := context.Background()

	_, ok := sc.Endpoint()
	assert.False(t, ok)
	_, err := sc.Driver()
	assert.ErrorIs(t, err, ErrNoStream)

	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))
	first := log.last()
	assert.True(t, first.started.Load())

	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.3")))
	assert.True(t, first.stopped.Load())
	ep, ok := sc.Endpoint()
	assert.True(t, ok)
	assert.Equal(t, endpoint("10.0.0.3"), ep)

	sc.StopStream()
	assert.True(t, log.last().stopped.Load())
	_, ok = sc.Endpoint()
	assert.False(t, ok)
	sc.StopStream()
}

func TestRediscoverMovesStream(t *testing.T) {
	log := &driverLog{}
	dialer := &hostDialer{}
	dialer.set("10.0.0.5")
	sc := newController(t, log, dialer, 0)

	_, err := sc.Rediscover(context.Background())
	assert.ErrorIs(t, err, ErrNoStream)

	require.NoError(t, sc.StartStream(context.Background(), endpoint("10.0.0.2")))
	got, err := sc.Rediscover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, endpoint("10.0.0.5"), got)
	ep, _ := sc.Endpoint()
	assert.Equal(t, endpoint("10.0.0.5"), ep)

	dialer.set()
	_, err = sc.Rediscover(context.Background())
	assert.ErrorIs(t, err, dpt.ErrNotFound)
	ep, ok := sc.Endpoint()
	assert.True(t, ok, "stream survives a failed rediscovery")
	assert.Equal(t, endpoint("10.0.0.5"), ep)
}

func TestWatchRediscoversAfterFailures(t *testing.T) {
	log := &driverLog{}
	dialer := &hostDialer{}
	dialer.set("10.0.0.6")
	sc := newController(t, log, dialer, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))
	done := make(chan struct{})
	go func() {
		sc.Watch(ctx)
		close(done)
	}()

	log.last().failures.Store(2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, log.count())

	log.last().failures.Store(3)
	require.Eventually(t, func() bool { return log.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	ep, _ := sc.Endpoint()
	assert.Equal(t, endpoint("10.0.0.6"), ep)

	cancel()
	<-done
}

func TestWatchBacksOffAfterFailedRediscovery(t *testing.T) {
	log := &driverLog{}
	dialer := &hostDialer{}
	sc := newController(t, log, dialer, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))
	go sc.Watch(ctx)

	log.last().failures.Store(2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count(), "no device found, stream kept")

	dialer.set("10.0.0.4")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count(), "waits for more failures before retrying")

	log.last().failures.Store(4)
	require.Eventually(t, func() bool { return log.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatchIgnoresOfflineDrivers(t *testing.T) {
	dialer := &hostDialer{}
	dialer.set("10.0.0.4")
	offline := &fakeDriver{offline: true}
	calls := 0
	sc := NewStreamController(ControllerConfig{
		Scan:            dpt.ScanConfig{Subnet: netip.MustParsePrefix("10.0.0.0/29"), Dialer: dialer},
		RediscoverAfter: 1,
		WatchInterval:   5 * time.Millisecond,
		NewDriver: func(dpt.DeviceEndpoint) (sdriver.SDriver, error) {
			calls++
			return offline, nil
		},
	}, sagentConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))
	offline.failures.Store(10)
	require.NoError(t, sc.Watch(ctx))
	assert.Equal(t, 1, calls)
}

func TestRunFeedsAgent(t *testing.T) {
	log := &driverLog{}
	sc := newController(t, log, &hostDialer{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()
	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	snap, err := sc.Agent().Wait(waitCtx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Frame.Width)

	cancel()
	<-done
	assert.True(t, log.last().stopped.Load())
}

func sagentConfig() sagent.AgentConfig { return sagent.AgentConfig{} }

func TestStartStreamRetiresFramesFromPreviousDevice(t *testing.T) {
	log := &driverLog{}
	sc := newController(t, log, &hostDialer{}, 0)
	ctx := context.Background()

	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.2")))
	_, inFlight, err := sc.mailbox.TakeTagged(ctx)
	require.NoError(t, err)

	require.NoError(t, sc.StartStream(ctx, endpoint("10.0.0.3")))
	assert.False(t, sc.mailbox.IfCurrent(inFlight, func() {}), "old frame must not commit")

	_, gen, err := sc.mailbox.TakeTagged(ctx)
	require.NoError(t, err)
	assert.Equal(t, sc.mailbox.Generation(), gen)
	assert.NotEqual(t, inFlight, gen)
	sc.StopStream()
}
