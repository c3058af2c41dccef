package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scaneye/scaneye/internal/eventbus"
	"github.com/scaneye/scaneye/internal/models"
	"github.com/scaneye/scaneye/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	mu      sync.Mutex
	subnets []string
	devices []models.Device
	err     error
	panics  bool

	// block, when set, holds Scan until closed; entered is signalled first.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeScanner) Scan(ctx context.Context, subnet string) ([]models.Device, error) {
	f.mu.Lock()
	f.subnets = append(f.subnets, subnet)
	devices, err, panics, block, entered := f.devices, f.err, f.panics, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if panics {
		panic("scanner exploded")
	}
	return devices, err
}

func (f *fakeScanner) set(devices []models.Device, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices, f.err = devices, err
}

func (f *fakeScanner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subnets...)
}

type fakeSpeed struct {
	calls   atomic.Int32
	mu      sync.Mutex
	result  models.SpeedResult
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeSpeed) Measure(ctx context.Context) (models.SpeedResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	result, err, block, entered := f.result, f.err, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return result, err
}

type fakeDetector struct {
	subnet string
}

func (f fakeDetector) DefaultSubnet() (string, bool) {
	return f.subnet, f.subnet != ""
}

type harness struct {
	sched   *Scheduler
	store   *settings.Store
	scanner *fakeScanner
	speed   *fakeSpeed
	bus     *eventbus.EventBus
	sub     *eventbus.Subscription
}

func newHarness(t *testing.T, detected string, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   settings.NewStore(settings.NewMemoryBackend(nil), nil),
		scanner: &fakeScanner{},
		speed:   &fakeSpeed{result: models.SpeedResult{DownloadMbps: 100, UploadMbps: 20, PingMs: 9, Timestamp: time.Now().UTC()}},
		bus:     eventbus.NewEventBus(256),
	}
	h.sub = h.bus.Subscribe()
	h.sched = New(h.store, h.scanner, h.speed, fakeDetector{subnet: detected}, h.bus, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
		h.bus.Close()
	})
	return h
}

// drain returns the events currently queued for the harness subscriber.
func (h *harness) drain() []eventbus.Event {
	var events []eventbus.Event
	for {
		select {
		case ev := <-h.sub.C:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func kinds(events []eventbus.Event) []eventbus.Kind {
	out := make([]eventbus.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestRunScan_SubnetSelection(t *testing.T) {
	tests := []struct {
		name     string
		manual   string
		detected string
		want     string
	}{
		{"manual wins over detected", "10.0.0.0/24", "192.168.1.0/24", "10.0.0.0/24"},
		{"detected used when manual empty", "", "192.168.1.0/24", "192.168.1.0/24"},
		{"manual without detection", "172.16.0.0/16", "", "172.16.0.0/16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, tt.detected, Options{})
			_, err := h.store.Update(ctx, models.SettingsPatch{ManualSubnet: ptr(tt.manual)})
			require.NoError(t, err)

			require.True(t, h.sched.RunScan(ctx))
			assert.Equal(t, []string{tt.want}, h.scanner.calls())
		})
	}
}

func TestRunScan_SuccessEventOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	devices := []models.Device{
		{IP: "192.168.1.1", Hostname: "router", MAC: "AA:BB:CC:DD:EE:01", Vendor: "Netgear"},
		{IP: "192.168.1.20"},
	}
	h.scanner.set(devices, nil)

	require.True(t, h.sched.RunScan(ctx))

	events := h.drain()
	require.Equal(t, []eventbus.Kind{
		eventbus.KindScanStarted,
		eventbus.KindScanComplete,
		eventbus.KindDevicesUpdated,
	}, kinds(events))

	assert.Equal(t, eventbus.ScanComplete{DeviceCount: 2, Subnet: "192.168.1.0/24"}, events[1].Payload)
	assert.Equal(t, eventbus.DevicesUpdated{Devices: h.sched.LatestResults()}, events[2].Payload)
	assert.Equal(t, devices, h.sched.LatestResults())

	cfg, err := h.store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastScanTime)
	assert.False(t, cfg.LastScanTime.After(events[1].Timestamp), "lastScanTime must be persisted before scan:complete")
}

func TestRunScan_NoSubnet(t *testing.T) {
	h := newHarness(t, "", Options{})

	require.True(t, h.sched.RunScan(context.Background()))

	events := h.drain()
	require.Equal(t, []eventbus.Kind{eventbus.KindScanStarted, eventbus.KindScanComplete}, kinds(events))
	complete := events[1].Payload.(eventbus.ScanComplete)
	assert.Zero(t, complete.DeviceCount)
	assert.Equal(t, "No subnet configured", complete.Error)
	assert.Empty(t, h.scanner.calls(), "executor must not be invoked without a subnet")
}

func TestRunScan_FailureKeepsPreviousResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	previous := []models.Device{{IP: "192.168.1.1"}, {IP: "192.168.1.2"}}
	h.scanner.set(previous, nil)
	require.True(t, h.sched.RunScan(ctx))
	h.drain()

	h.scanner.set(nil, &models.ExecutorError{Executor: "nmap", Err: errors.New("exit status 1")})
	require.True(t, h.sched.RunScan(ctx))

	events := h.drain()
	require.Equal(t, []eventbus.Kind{eventbus.KindScanStarted, eventbus.KindScanComplete}, kinds(events))
	assert.Equal(t, eventbus.ScanComplete{
		DeviceCount: 0,
		Subnet:      "192.168.1.0/24",
		Error:       "nmap failed: exit status 1",
	}, events[1].Payload)
	assert.Equal(t, previous, h.sched.LatestResults())
}

func TestRunScan_SingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	h.scanner.block = make(chan struct{})
	h.scanner.entered = make(chan struct{}, 1)

	first := make(chan bool)
	go func() { first <- h.sched.RunScan(ctx) }()
	<-h.scanner.entered

	assert.True(t, h.sched.Scanning())
	assert.False(t, h.sched.RunScan(ctx), "second scan must be dropped")

	close(h.scanner.block)
	assert.True(t, <-first)

	started := 0
	for _, ev := range h.drain() {
		if ev.Kind == eventbus.KindScanStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.Len(t, h.scanner.calls(), 1)
	assert.False(t, h.sched.Scanning())
}

func TestRunScan_PanicIsAFailedIteration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	h.scanner.panics = true

	require.True(t, h.sched.RunScan(ctx))
	events := h.drain()
	require.Len(t, events, 2)
	complete := events[1].Payload.(eventbus.ScanComplete)
	assert.Contains(t, complete.Error, "scanner exploded")
	assert.False(t, h.sched.Scanning(), "guard must be released after a panic")

	h.scanner.mu.Lock()
	h.scanner.panics = false
	h.scanner.mu.Unlock()
	assert.True(t, h.sched.RunScan(ctx))
}

func TestLatestResults_AvailableDuringScan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	h.scanner.block = make(chan struct{})
	h.scanner.entered = make(chan struct{}, 1)

	go h.sched.RunScan(ctx)
	<-h.scanner.entered
	defer close(h.scanner.block)

	done := make(chan struct{})
	go func() {
		_ = h.sched.LatestResults()
		_, _ = h.sched.GetConfig(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reads blocked while a scan was running")
	}
}

func TestRunSpeedTest_PersistsMeasurement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", Options{})

	got, err := h.sched.RunSpeedTest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.DownloadMbps)

	cfg, err := h.store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg.NetworkSpeedDownMbps)
	assert.Equal(t, 100.0, *cfg.NetworkSpeedDownMbps)
	assert.Equal(t, 20.0, *cfg.NetworkSpeedUpMbps)
	assert.Equal(t, 9.0, *cfg.PingMs)
	require.NotNil(t, cfg.LastSpeedTestTime)
}

func TestRunSpeedTest_FailureKeepsLastValues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", Options{})
	_, err := h.sched.RunSpeedTest(ctx)
	require.NoError(t, err)
	before, err := h.store.Get(ctx)
	require.NoError(t, err)

	h.speed.mu.Lock()
	h.speed.err = &models.ExecutorError{Executor: "speedtest", Err: errors.New("no servers")}
	h.speed.mu.Unlock()

	_, err = h.sched.RunSpeedTest(ctx)
	var eerr *models.ExecutorError
	require.ErrorAs(t, err, &eerr)

	after, err := h.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// Speed tests are single-flight by coalescing: a trigger during a running
// test shares its measurement instead of starting a second one.
func TestRunSpeedTest_ConcurrentCallsShareOneMeasurement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", Options{})
	h.speed.block = make(chan struct{})
	h.speed.entered = make(chan struct{}, 1)

	type outcome struct {
		result models.SpeedResult
		err    error
	}
	results := make(chan outcome, 2)
	go func() {
		r, err := h.sched.RunSpeedTest(ctx)
		results <- outcome{r, err}
	}()
	<-h.speed.entered
	go func() {
		r, err := h.sched.TriggerSpeedTestNow(ctx)
		results <- outcome{r, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(h.speed.block)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.result, b.result)
	assert.EqualValues(t, 1, h.speed.calls.Load())
}

func TestRunSpeedTest_CallerContextCancelled(t *testing.T) {
	h := newHarness(t, "", Options{})
	h.speed.block = make(chan struct{})
	defer close(h.speed.block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.sched.TriggerSpeedTestNow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_ColdStartRunsOnce(t *testing.T) {
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: time.Hour, SpeedTestUnit: time.Hour})

	h.sched.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(h.scanner.calls()) == 1 && h.speed.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.scanner.calls(), 1)
	assert.EqualValues(t, 1, h.speed.calls.Load())
	assert.True(t, h.sched.Running())
}

func TestUpdateIntervals_RearmsImmediately(t *testing.T) {
	ctx := context.Background()
	// One interval step is 10ms, so the default 60 is 600ms and 10 is 100ms.
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: 10 * time.Millisecond, SpeedTestUnit: time.Hour})

	h.sched.Start(ctx)
	require.Eventually(t, func() bool { return len(h.scanner.calls()) == 1 }, time.Second, time.Millisecond)

	cfg, err := h.sched.UpdateIntervals(ctx, models.SettingsPatch{ScanIntervalSeconds: ptr(10)})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.ScanIntervalSeconds)

	// Before the old 600ms boundary the new 100ms cadence must already fire.
	require.Eventually(t, func() bool {
		return len(h.scanner.calls()) >= 3
	}, 450*time.Millisecond, 5*time.Millisecond)

	var sawConfig bool
	for _, ev := range h.drain() {
		if ev.Kind == eventbus.KindConfigUpdated {
			sawConfig = true
			assert.Equal(t, 10, ev.Payload.(models.Settings).ScanIntervalSeconds)
		}
	}
	assert.True(t, sawConfig)
}

func TestReconfigure_ReplacesTimers(t *testing.T) {
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: 10 * time.Millisecond, SpeedTestUnit: time.Hour})
	cfg := models.DefaultSettings()
	cfg.ScanIntervalSeconds = 5

	h.sched.Start(context.Background())
	h.sched.mu.Lock()
	first := h.sched.timers
	h.sched.mu.Unlock()

	for i := 0; i < 5; i++ {
		h.sched.Reconfigure(cfg)
	}

	select {
	case <-first.stop:
	default:
		t.Fatal("previous timers still armed")
	}

	time.Sleep(500 * time.Millisecond)
	// One 50ms timer plus the cold start gives about 11 scans; leftover
	// duplicates would multiply that.
	assert.LessOrEqual(t, len(h.scanner.calls()), 16)
	assert.GreaterOrEqual(t, len(h.scanner.calls()), 4)
}

func TestUpdateIntervals_Validation(t *testing.T) {
	h := newHarness(t, "", Options{})

	_, err := h.sched.UpdateIntervals(context.Background(), models.SettingsPatch{ScanIntervalSeconds: ptr(0)})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "scanIntervalSeconds", verr.Field)
	assert.Empty(t, h.drain())
}

func TestUpdateConfig_ManualSubnetTriggersScan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: time.Hour, SpeedTestUnit: time.Hour})

	cfg, err := h.sched.UpdateConfig(ctx, models.SettingsPatch{ManualSubnet: ptr(" 10.1.0.0/16 ")})
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/16", cfg.ManualSubnet)

	require.Eventually(t, func() bool {
		calls := h.scanner.calls()
		return len(calls) == 1 && calls[0] == "10.1.0.0/16"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, ev := range h.drain() {
			if ev.Kind == eventbus.KindConfigUpdated {
				return ev.Payload.(models.Settings).ManualSubnet == "10.1.0.0/16"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateConfig_InvalidSubnet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})

	_, err := h.sched.UpdateConfig(ctx, models.SettingsPatch{ManualSubnet: ptr("192.168.1.0")})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "manualSubnet", verr.Field)

	cfg, err := h.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.ManualSubnet)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.scanner.calls())
}

func TestStop_DisarmsTimers(t *testing.T) {
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: 10 * time.Millisecond, SpeedTestUnit: time.Hour})
	_, err := h.store.Update(context.Background(), models.SettingsPatch{ScanIntervalSeconds: ptr(2)})
	require.NoError(t, err)

	h.sched.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))
	assert.False(t, h.sched.Running())

	n := len(h.scanner.calls())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(h.scanner.calls()))
}

// slowStore holds the first interval update after persisting it until
// release is closed.
type slowStore struct {
	*settings.Store
	once      sync.Once
	persisted chan struct{}
	release   chan struct{}
}

func (s *slowStore) Update(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	cfg, err := s.Store.Update(ctx, patch)
	if patch.HasIntervals() {
		s.once.Do(func() {
			close(s.persisted)
			<-s.release
		})
	}
	return cfg, err
}

func TestUpdateIntervals_ConcurrentUpdatesArmWhatWasPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{})
	store := &slowStore{Store: h.store, persisted: make(chan struct{}), release: make(chan struct{})}
	sched := New(store, h.scanner, h.speed, fakeDetector{subnet: "192.168.1.0/24"}, h.bus, Options{ScanUnit: time.Hour, SpeedTestUnit: time.Hour})
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	})

	sched.Start(ctx)
	h.drain()

	first := make(chan error, 1)
	go func() {
		_, err := sched.UpdateIntervals(ctx, models.SettingsPatch{ScanIntervalSeconds: ptr(10)})
		first <- err
	}()
	<-store.persisted

	second := make(chan error, 1)
	go func() {
		_, err := sched.UpdateIntervals(ctx, models.SettingsPatch{ScanIntervalSeconds: ptr(20)})
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.ScanIntervalSeconds)

	sched.mu.Lock()
	armed := sched.timers.scanEvery
	sched.mu.Unlock()
	assert.Equal(t, 20*time.Hour, armed)

	var order []int
	for _, ev := range h.drain() {
		if ev.Kind == eventbus.KindConfigUpdated {
			order = append(order, ev.Payload.(models.Settings).ScanIntervalSeconds)
		}
	}
	assert.Equal(t, []int{10, 20}, order)
}

func TestUpdateIntervals_DoesNotRepeatColdStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: time.Hour, SpeedTestUnit: time.Hour})

	h.sched.Start(ctx)
	require.Eventually(t, func() bool {
		return len(h.scanner.calls()) == 1 && h.speed.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := h.sched.UpdateIntervals(ctx, models.SettingsPatch{ScanIntervalSeconds: ptr(30), SpeedTestIntervalMinutes: ptr(90)})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.scanner.calls(), 1)
	assert.EqualValues(t, 1, h.speed.calls.Load())
}

func TestStop_LaterUpdatesAndTriggersDoNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "192.168.1.0/24", Options{ScanUnit: 10 * time.Millisecond, SpeedTestUnit: time.Hour})

	h.sched.Start(ctx)
	require.Eventually(t, func() bool { return len(h.scanner.calls()) == 1 }, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(stopCtx))

	cfg, err := h.sched.UpdateIntervals(ctx, models.SettingsPatch{ScanIntervalSeconds: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.ScanIntervalSeconds)
	h.sched.TriggerScanNow()

	h.sched.mu.Lock()
	assert.Nil(t, h.sched.timers)
	h.sched.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.scanner.calls(), 1)

	again, cancelAgain := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelAgain()
	assert.NoError(t, h.sched.Stop(again))
}

type unreadableStore struct {
	*settings.Store
}

func (unreadableStore) Get(context.Context) (models.Settings, error) {
	return models.DefaultSettings(), &models.PersistenceError{Op: "read", Err: errors.New("disk gone")}
}

func TestRunScan_UnreadableSettingsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	h := newHarness(t, "192.168.1.0/24", Options{})
	sched := New(unreadableStore{h.store}, h.scanner, h.speed, fakeDetector{subnet: "192.168.1.0/24"}, h.bus, Options{Logger: logger})

	require.True(t, sched.RunScan(context.Background()))
	assert.Equal(t, []string{"192.168.1.0/24"}, h.scanner.calls())
	assert.Contains(t, buf.String(), "Settings unreadable")
	assert.Contains(t, buf.String(), "component=scheduler")
	assert.Contains(t, buf.String(), "disk gone")
}
