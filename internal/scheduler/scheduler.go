// Package scheduler decides when scans and speed tests run, keeps the latest
// scan results in memory and announces state changes on the event bus.
//
// Scans are single-flight: a scan requested while another is running is
// dropped. Speed tests are coalesced: a request made while a test is running
// waits for and shares that test's result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scaneye/scaneye/internal/discovery"
	"github.com/scaneye/scaneye/internal/eventbus"
	"github.com/scaneye/scaneye/internal/models"
	"golang.org/x/sync/singleflight"
)

// ErrNoSubnet is reported when neither a manual nor a detected subnet exists.
var ErrNoSubnet = errors.New("No subnet configured")

const speedTestKey = "speedtest"

// ConfigStore persists the runtime settings record.
type ConfigStore interface {
	Get(ctx context.Context) (models.Settings, error)
	Update(ctx context.Context, patch models.SettingsPatch) (models.Settings, error)
}

// ScanExecutor discovers the devices of one subnet.
type ScanExecutor interface {
	Scan(ctx context.Context, subnet string) ([]models.Device, error)
}

// SpeedTestExecutor performs one throughput measurement.
type SpeedTestExecutor interface {
	Measure(ctx context.Context) (models.SpeedResult, error)
}

// SubnetDetector supplies the subnet used when no manual subnet is set.
type SubnetDetector interface {
	DefaultSubnet() (string, bool)
}

// Publisher receives scheduler events.
type Publisher interface {
	Publish(kind eventbus.Kind, payload any)
}

// Observer is notified of run outcomes, e.g. for metrics.
type Observer interface {
	ScanFinished(deviceCount int, duration time.Duration, err error)
	ScanDropped()
	SpeedTestFinished(result models.SpeedResult, duration time.Duration, err error)
}

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	// ScanUnit is the length of one scan interval step (default time.Second).
	ScanUnit time.Duration
	// SpeedTestUnit is the length of one speed-test interval step (default time.Minute).
	SpeedTestUnit time.Duration
	Observer      Observer
	Logger        *slog.Logger
}

// Scheduler owns the recurring timers, the scan guard and the results cache.
type Scheduler struct {
	store    ConfigStore
	scanner  ScanExecutor
	speed    SpeedTestExecutor
	detector SubnetDetector
	bus      Publisher
	observer Observer
	logger   *slog.Logger

	scanUnit  time.Duration
	speedUnit time.Duration

	// runCtx outlives individual callers; it is only cancelled when Stop
	// gives up waiting.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// updateMu serialises settings changes so the persisted record, the armed
	// timers and the config:updated events follow the same order.
	updateMu sync.Mutex

	// mu guards the timer set, running and stopped. wg.Add only happens
	// under mu while stopped is false.
	mu      sync.Mutex
	timers  *timerSet
	running bool
	stopped bool

	// wg tracks timer loops and triggered runs
	wg sync.WaitGroup

	scanning    atomic.Bool
	speedFlight singleflight.Group

	resultsMu sync.RWMutex
	results   []models.Device
}

// timerSet is one generation of the two recurring timers.
type timerSet struct {
	stop       chan struct{}
	scanEvery  time.Duration
	speedEvery time.Duration
}

// New creates a stopped scheduler.
func New(store ConfigStore, scanner ScanExecutor, speed SpeedTestExecutor, detector SubnetDetector, bus Publisher, opts Options) *Scheduler {
	if opts.ScanUnit <= 0 {
		opts.ScanUnit = time.Second
	}
	if opts.SpeedTestUnit <= 0 {
		opts.SpeedTestUnit = time.Minute
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		scanner:   scanner,
		speed:     speed,
		detector:  detector,
		bus:       bus,
		observer:  opts.Observer,
		logger:    opts.Logger.With("component", "scheduler"),
		scanUnit:  opts.ScanUnit,
		speedUnit: opts.SpeedTestUnit,
		runCtx:    runCtx,
		cancelRun: cancel,
		results:   []models.Device{},
	}
}

// Start runs one scan and one speed test immediately and arms both timers.
// Calling Start again replaces the running timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	settings, err := s.store.Get(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Starting with default settings", "error", err)
	}

	s.mu.Lock()
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	s.TriggerScanNow()
	s.spawn(func() { _, _ = s.RunSpeedTest(s.runCtx) })

	s.Reconfigure(settings)
}

// Reconfigure replaces the current timers with ones matching settings. The
// old timers are stopped and the new ones armed in one critical section.
// Runs already in progress are not interrupted. Nothing is armed unless the
// scheduler is running.
func (s *Scheduler) Reconfigure(settings models.Settings) {
	next := &timerSet{
		stop:       make(chan struct{}),
		scanEvery:  settings.ScanInterval(s.scanUnit),
		speedEvery: settings.SpeedTestInterval(s.speedUnit),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("Scheduler not running, timers left disarmed")
		return
	}
	if s.timers != nil {
		close(s.timers.stop)
	}
	s.timers = next

	s.wg.Add(2)
	go s.loop(next.stop, next.scanEvery, func() { s.RunScan(s.runCtx) })
	go s.loop(next.stop, next.speedEvery, func() { _, _ = s.RunSpeedTest(s.runCtx) })

	s.logger.Info("Timers armed",
		"scan_interval", next.scanEvery,
		"speed_test_interval", next.speedEvery,
	)
}

func (s *Scheduler) loop(stop <-chan struct{}, every time.Duration, run func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			run()
		}
	}
}

// Stop disarms the timers and waits for in-flight runs. If ctx ends first
// the runs are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.timers != nil {
		close(s.timers.stop)
		s.timers = nil
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		return ctx.Err()
	}
}

// Running reports whether timers are armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunScan performs one scan unless another is in progress, in which case it
// returns false without doing anything.
func (s *Scheduler) RunScan(ctx context.Context) bool {
	if !s.scanning.CompareAndSwap(false, true) {
		s.logger.Debug("Scan already in progress, trigger dropped")
		s.observer.ScanDropped()
		return false
	}
	defer s.scanning.Store(false)

	start := time.Now()
	var (
		subnet  string
		count   int
		scanErr error
	)
	defer func() {
		if r := recover(); r != nil {
			scanErr = fmt.Errorf("scan panicked: %v", r)
			s.logger.Error("Recovered from scan panic", "panic", r, "subnet", subnet)
			s.bus.Publish(eventbus.KindScanComplete, eventbus.ScanComplete{Subnet: subnet, Error: scanErr.Error()})
		}
		s.observer.ScanFinished(count, time.Since(start), scanErr)
	}()

	s.bus.Publish(eventbus.KindScanStarted, eventbus.ScanStarted{})

	subnet = s.activeSubnet(ctx)
	if subnet == "" {
		scanErr = ErrNoSubnet
		s.logger.WarnContext(ctx, "Skipping scan", "error", scanErr)
		s.bus.Publish(eventbus.KindScanComplete, eventbus.ScanComplete{Error: scanErr.Error()})
		return true
	}

	s.logger.InfoContext(ctx, "Scan started", "subnet", subnet)
	devices, err := s.scanner.Scan(ctx, subnet)
	if err != nil {
		scanErr = err
		s.logger.WarnContext(ctx, "Scan failed", "subnet", subnet, "error", err)
		s.bus.Publish(eventbus.KindScanComplete, eventbus.ScanComplete{Subnet: subnet, Error: err.Error()})
		return true
	}

	count = len(devices)
	s.setResults(devices)

	now := time.Now().UTC()
	if _, err := s.store.Update(ctx, models.SettingsPatch{LastScanTime: &now}); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist last scan time", "error", err)
	}

	s.logger.InfoContext(ctx, "Scan complete",
		"subnet", subnet,
		"devices", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.bus.Publish(eventbus.KindScanComplete, eventbus.ScanComplete{DeviceCount: count, Subnet: subnet})
	s.bus.Publish(eventbus.KindDevicesUpdated, eventbus.DevicesUpdated{Devices: s.LatestResults()})
	return true
}

// activeSubnet prefers the manual subnet over the detected one. It returns
// "" when neither exists.
func (s *Scheduler) activeSubnet(ctx context.Context) string {
	settings, err := s.store.Get(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Settings unreadable, ignoring manual subnet", "error", err)
	}
	if manual := strings.TrimSpace(settings.ManualSubnet); manual != "" {
		return manual
	}
	if s.detector == nil {
		return ""
	}
	if subnet, ok := s.detector.DefaultSubnet(); ok {
		return subnet
	}
	return ""
}

// ActiveSubnet exposes the subnet the next scan would use.
func (s *Scheduler) ActiveSubnet(ctx context.Context) string {
	return s.activeSubnet(ctx)
}

// RunSpeedTest measures throughput and persists the result. A call made while
// a test is running joins it. When ctx ends first the shared test keeps going
// and ctx's error is returned. If the measurement fails the previously stored
// values are kept.
func (s *Scheduler) RunSpeedTest(ctx context.Context) (models.SpeedResult, error) {
	ch := s.speedFlight.DoChan(speedTestKey, func() (any, error) {
		return s.measure(s.runCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Joined in-flight speed test")
		}
		result, _ := res.Val.(models.SpeedResult)
		return result, res.Err
	case <-ctx.Done():
		return models.SpeedResult{}, ctx.Err()
	}
}

func (s *Scheduler) measure(ctx context.Context) (result models.SpeedResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = models.SpeedResult{}
			err = fmt.Errorf("speed test panicked: %v", r)
			s.logger.Error("Recovered from speed test panic", "panic", r)
		}
		s.observer.SpeedTestFinished(result, time.Since(start), err)
	}()

	result, err = s.speed.Measure(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Speed test failed, keeping last measurement", "error", err)
		return models.SpeedResult{}, err
	}

	if _, err := s.store.Update(ctx, result.Patch()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist speed test result", "error", err)
		return result, err
	}
	return result, nil
}

// TriggerScanNow starts a scan in the background. It does nothing visible
// when a scan is already running. Triggers after Stop are ignored.
func (s *Scheduler) TriggerScanNow() {
	if !s.spawn(func() { s.RunScan(s.runCtx) }) {
		s.logger.Debug("Scheduler stopped, scan trigger ignored")
	}
}

// spawn runs fn in a tracked goroutine unless the scheduler was stopped.
func (s *Scheduler) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// TriggerSpeedTestNow runs a speed test and waits for its measurement.
func (s *Scheduler) TriggerSpeedTestNow(ctx context.Context) (models.SpeedResult, error) {
	return s.RunSpeedTest(ctx)
}

// GetConfig returns the current settings.
func (s *Scheduler) GetConfig(ctx context.Context) (models.Settings, error) {
	return s.store.Get(ctx)
}

// UpdateConfig validates and persists patch, announces the new settings and
// re-arms the timers when intervals changed. A patch carrying manualSubnet
// starts a scan right away.
func (s *Scheduler) UpdateConfig(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	if err := normalize(&patch); err != nil {
		return models.Settings{}, err
	}

	settings, err := s.apply(ctx, patch)
	if err != nil {
		return models.Settings{}, err
	}

	if patch.ManualSubnet != nil {
		s.logger.InfoContext(ctx, "Subnet changed, scanning now", "manual_subnet", *patch.ManualSubnet)
		s.TriggerScanNow()
	}
	return settings, nil
}

// UpdateIntervals persists new interval values, re-arms the timers and
// announces the new settings. Fields other than the intervals are ignored.
// Unlike Start it does not repeat the cold-start scan and speed test.
func (s *Scheduler) UpdateIntervals(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	intervals := models.SettingsPatch{
		ScanIntervalSeconds:      patch.ScanIntervalSeconds,
		SpeedTestIntervalMinutes: patch.SpeedTestIntervalMinutes,
	}
	if err := normalize(&intervals); err != nil {
		return models.Settings{}, err
	}
	return s.apply(ctx, intervals)
}

// apply persists patch, re-arms and publishes as one step with respect to
// other settings changes.
func (s *Scheduler) apply(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	settings, err := s.store.Update(ctx, patch)
	if err != nil {
		return models.Settings{}, err
	}

	if patch.HasIntervals() {
		s.Reconfigure(settings)
	}

	s.bus.Publish(eventbus.KindConfigUpdated, settings)
	return settings, nil
}

// normalize trims and validates the user-settable fields of patch.
func normalize(patch *models.SettingsPatch) error {
	if patch.ScanIntervalSeconds != nil && *patch.ScanIntervalSeconds < 1 {
		return &models.ValidationError{Field: "scanIntervalSeconds", Message: "must be at least 1"}
	}
	if patch.SpeedTestIntervalMinutes != nil && *patch.SpeedTestIntervalMinutes < 1 {
		return &models.ValidationError{Field: "speedTestIntervalMinutes", Message: "must be at least 1"}
	}
	if patch.ManualSubnet != nil {
		subnet := strings.TrimSpace(*patch.ManualSubnet)
		if subnet != "" {
			if _, err := discovery.ValidateSubnet(subnet); err != nil {
				var verr *models.ValidationError
				if errors.As(err, &verr) {
					verr.Field = "manualSubnet"
				}
				return err
			}
		}
		patch.ManualSubnet = &subnet
	}
	return nil
}

// LatestResults returns a copy of the most recent successful scan.
func (s *Scheduler) LatestResults() []models.Device {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	out := make([]models.Device, len(s.results))
	copy(out, s.results)
	return out
}

func (s *Scheduler) setResults(devices []models.Device) {
	fresh := make([]models.Device, len(devices))
	copy(fresh, devices)

	s.resultsMu.Lock()
	s.results = fresh
	s.resultsMu.Unlock()
}

// Scanning reports whether a scan is in progress.
func (s *Scheduler) Scanning() bool {
	return s.scanning.Load()
}

type nopObserver struct{}

func (nopObserver) ScanFinished(int, time.Duration, error)                     {}
func (nopObserver) ScanDropped()                                               {}
func (nopObserver) SpeedTestFinished(models.SpeedResult, time.Duration, error) {}
