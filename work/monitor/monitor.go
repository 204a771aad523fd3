package monitor

import (
	"context"
	"time"

	"ums-dlna/work/config"
	"ums-dlna/work/gena"
	"ums-dlna/work/logger"
	"ums-dlna/work/renderer"
	"ums-dlna/work/soap"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// Monitor is the renderer liveness loop. Each cycle it polls GetPositionInfo
// on every active renderer that still supports the query, keeping playback
// position fresh and letting the invoker's degradation logic silence
// renderers that cannot answer. Polls run on the shared worker pool behind a
// per-renderer rate limiter; the loop itself never blocks a request worker.
type Monitor struct {
	cfg      *config.Config
	registry *renderer.Registry
	invoker  *soap.Invoker
	subs     *gena.Manager
	pool     *ants.Pool
	perSec   int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
	stopChan chan bool
}

// NewMonitor wires the monitor to its collaborators.
func NewMonitor(cfg *config.Config, registry *renderer.Registry, invoker *soap.Invoker, subs *gena.Manager, pool *ants.Pool) *Monitor {
	perSec := cfg.PositionPollsPerSec
	if perSec <= 0 {
		perSec = 10
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		invoker:  invoker,
		subs:     subs,
		pool:     pool,
		perSec:   perSec,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
		stopChan: make(chan bool, 1),
	}
}

// limiterFor returns the poll pacer for one renderer, created on first use.
// Each renderer is paced independently.
func (m *Monitor) limiterFor(identity string) ratelimit.Limiter {
	lim, _ := m.limiters.LoadOrCompute(identity, func() ratelimit.Limiter {
		return ratelimit.New(m.perSec)
	})
	return lim
}

// Start runs the polling loop until Stop. The interval is slept in one
// second steps so a stop signal is observed promptly even with long poll
// intervals configured. Launch in its own goroutine.
func (m *Monitor) Start() {
	logger.Debug("{monitor - Start} Liveness monitor started (interval %s)", m.cfg.PollInterval)
	for {
		if m.sleep(m.cfg.PollInterval) {
			logger.Debug("{monitor - Start} Liveness monitor stopped")
			return
		}
		m.pollCycle()
	}
}

// Stop signals the loop to terminate.
func (m *Monitor) Stop() {
	select {
	case m.stopChan <- true:
	default:
	}
}

// sleep waits for d in small increments, returning true when a stop signal
// arrived.
func (m *Monitor) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		step := time.Until(deadline)
		if step <= 0 {
			return false
		}
		if step > time.Second {
			step = time.Second
		}
		select {
		case <-m.stopChan:
			return true
		case <-time.After(step):
		}
	}
}

// pollCycle submits one position poll per eligible renderer.
func (m *Monitor) pollCycle() {
	m.subs.RangeDevices(func(dev *soap.DeviceDescription) bool {
		rec, ok := m.registry.Find(dev.Identity, "0")
		if !ok || !rec.IsActive() || !rec.PositionQuerySupported() {
			return true
		}

		d := dev
		target := rec
		if err := m.pool.Submit(func() { m.poll(d, target) }); err != nil {
			logger.Debug("{monitor - pollCycle} Worker pool rejected poll for %s: %v", d.Identity, err)
		}
		return true
	})
}

// poll issues one GetPositionInfo and folds the reply into the record's
// state variables. Failures are the invoker's to classify; nothing here
// touches liveness.
func (m *Monitor) poll(dev *soap.DeviceDescription, rec *renderer.Record) {
	m.limiterFor(dev.Identity).Take()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := m.invoker.Invoke(ctx, dev, soap.ServiceAVTransport, soap.ActionGetPositionInfo, soap.Args{
		"InstanceID": rec.InstanceID,
	})
	if err != nil {
		return
	}

	vars := make(map[string]string, 2)
	if v, ok := result["RelTime"]; ok {
		vars["RelTime"] = v
	}
	if v, ok := result["TrackDuration"]; ok {
		vars["TrackDuration"] = v
	}
	if len(vars) > 0 {
		rec.SetStateVariables(vars)
	}
}
