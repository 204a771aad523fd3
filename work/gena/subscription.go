package gena

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ums-dlna/work/config"
	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"
	"ums-dlna/work/renderer"
	"ums-dlna/work/soap"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Subscription is one live GENA subscription to a service on a renderer
// device. At most one exists per (device, service) pair. Entries in the
// manager's map are immutable once published; renewal stores a replacement
// rather than writing through the shared pointer.
type Subscription struct {
	Owner      string          // owning renderer identity
	Service    soap.ServiceRef // the subscribed service
	SID        string          // subscription id assigned by the device
	ExpiryTime time.Time       // deadline after which the device drops us
}

// Manager issues and renews GENA event subscriptions for every service a
// newly-accepted renderer exposes, and feeds delivered events back into
// Renderer Records. Renewal runs on the shared worker pool so subscription
// churn never blocks a request worker.
type Manager struct {
	cfg      *config.Config
	registry *renderer.Registry
	pool     *ants.Pool
	client   *http.Client
	subs     *xsync.MapOf[string, *Subscription] // keyed identity + "\x00" + service type
	devices  *xsync.MapOf[string, *soap.DeviceDescription]
	stopChan chan bool
}

// NewManager creates a subscription manager wired to the registry and the
// shared background pool.
func NewManager(cfg *config.Config, registry *renderer.Registry, pool *ants.Pool) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		subs:     xsync.NewMapOf[string, *Subscription](),
		devices:  xsync.NewMapOf[string, *soap.DeviceDescription](),
		stopChan: make(chan bool, 1),
	}
}

func subKey(identity, serviceType string) string {
	return identity + "\x00" + serviceType
}

// eventedServices are the services worth subscribing to on a renderer.
var eventedServices = []string{soap.ServiceAVTransport, soap.ServiceRenderingControl}

// SubscribeRenderer issues subscriptions for every evented service the
// device exposes. Establishment is log-only; no Record state changes until
// events actually arrive.
func (m *Manager) SubscribeRenderer(dev *soap.DeviceDescription) {
	m.devices.Store(dev.Identity, dev)

	for _, serviceType := range eventedServices {
		svc, ok := dev.Service(serviceType)
		if !ok {
			continue
		}
		if _, exists := m.subs.Load(subKey(dev.Identity, serviceType)); exists {
			// one live subscription per (device, service) pair
			continue
		}
		if err := m.subscribe(dev.Identity, svc); err != nil {
			logger.Warn("{gena - SubscribeRenderer} Failed to subscribe to %s on %s: %v", serviceType, dev.Identity, err)
		}
	}
}

// HandleRendererUpdate is called on every discovery/alive beacon for a known
// renderer. It re-subscribes automatically when the record lapsed or went
// inactive.
func (m *Manager) HandleRendererUpdate(dev *soap.DeviceDescription) {
	rec := m.registry.GetOrCreate(dev.Identity, "0")
	if rec.NeedsRenewal() || !rec.IsActive() {
		logger.Debug("{gena - HandleRendererUpdate} Renderer %s needs renewal, re-subscribing", dev.Identity)
		m.SubscribeRenderer(dev)
		m.registry.MarkRenewal(dev.Identity, false)
	}
	m.registry.MarkActive(dev.Identity, true)
}

// HandleRendererRemoval marks the renderer inactive when discovery reports a
// byebye. The record itself stays addressable for automatic recovery.
func (m *Manager) HandleRendererRemoval(identity string) {
	m.registry.MarkActive(identity, false)
	for _, serviceType := range eventedServices {
		m.subs.Delete(subKey(identity, serviceType))
	}
}

// subscribe issues one SUBSCRIBE request. UPnP requires the timeout to be
// requested explicitly; we always ask for the configured 5 minutes.
func (m *Manager) subscribe(identity string, svc soap.ServiceRef) error {
	req, err := http.NewRequest("SUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build SUBSCRIBE request: %w", err)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("CALLBACK", fmt.Sprintf("<%s/ums/event/%s>", m.cfg.BaseURL, identity))
	req.Header.Set("TIMEOUT", timeoutHeader(m.cfg.SubscriptionTimeout))

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("SUBSCRIBE failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SUBSCRIBE returned HTTP %d", resp.StatusCode)
	}

	sid := resp.Header.Get("SID")
	lifetime := parseTimeout(resp.Header.Get("TIMEOUT"), m.cfg.SubscriptionTimeout)

	m.subs.Store(subKey(identity, svc.Type), &Subscription{
		Owner:      identity,
		Service:    svc,
		SID:        sid,
		ExpiryTime: time.Now().Add(lifetime),
	})

	logger.Info("{gena - subscribe} Subscribed to %s on %s (SID %s, timeout %s)", svc.Type, identity, sid, lifetime)
	return nil
}

// renew re-issues a subscription using its SID. On failure the subscription
// is dropped and the owning record flagged for renewal so the next renderer
// update event re-subscribes from scratch.
func (m *Manager) renew(sub *Subscription) {
	req, err := http.NewRequest("SUBSCRIBE", sub.Service.EventSubURL, nil)
	if err != nil {
		m.renewFailed(sub, err)
		return
	}
	req.Header.Set("SID", sub.SID)
	req.Header.Set("TIMEOUT", timeoutHeader(m.cfg.SubscriptionTimeout))

	resp, err := m.client.Do(req)
	if err != nil {
		m.renewFailed(sub, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.renewFailed(sub, fmt.Errorf("HTTP %d", resp.StatusCode))
		return
	}

	lifetime := parseTimeout(resp.Header.Get("TIMEOUT"), m.cfg.SubscriptionTimeout)
	renewed := *sub
	renewed.ExpiryTime = time.Now().Add(lifetime)
	m.subs.Store(subKey(sub.Owner, sub.Service.Type), &renewed)
	metrics.SubscriptionRenewals.WithLabelValues("success").Inc()
	logger.Debug("{gena - renew} Renewed %s on %s for %s", sub.Service.Type, sub.Owner, lifetime)
}

// renewFailed is the termination-with-reason path: the owning record is
// flagged so the next update event resubscribes.
func (m *Manager) renewFailed(sub *Subscription, err error) {
	metrics.SubscriptionRenewals.WithLabelValues("failure").Inc()
	logger.Warn("{gena - renew} Renewal of %s on %s failed: %v", sub.Service.Type, sub.Owner, err)
	m.subs.Delete(subKey(sub.Owner, sub.Service.Type))
	m.registry.MarkRenewal(sub.Owner, true)
}

// StartRenewalLoop runs the renewal scheduler: a ticker scans subscription
// expiries and submits renewal jobs to the worker pool ahead of the
// deadline. Runs until StopRenewalLoop; launch in its own goroutine.
func (m *Manager) StartRenewalLoop() {
	interval := m.cfg.RenewalMargin / 2
	if interval < time.Second {
		interval = time.Second
	}
	logger.Debug("{gena - StartRenewalLoop} Renewal loop started (scan every %s)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			logger.Debug("{gena - StartRenewalLoop} Renewal loop stopped")
			return
		case <-ticker.C:
			m.renewDue()
		}
	}
}

// StopRenewalLoop signals the renewal loop to terminate. Non-blocking even
// if the loop already stopped.
func (m *Manager) StopRenewalLoop() {
	select {
	case m.stopChan <- true:
	default:
	}
}

// renewDue submits a renewal job for every subscription inside its renewal
// margin.
func (m *Manager) renewDue() {
	deadline := time.Now().Add(m.cfg.RenewalMargin)
	m.subs.Range(func(_ string, sub *Subscription) bool {
		if sub.ExpiryTime.After(deadline) {
			return true
		}
		s := sub
		if err := m.pool.Submit(func() { m.renew(s) }); err != nil {
			// pool saturated or released; renew inline rather than drop
			m.renew(s)
		}
		return true
	})
}

// RangeDevices iterates the known device descriptions.
func (m *Manager) RangeDevices(fn func(dev *soap.DeviceDescription) bool) {
	m.devices.Range(func(_ string, dev *soap.DeviceDescription) bool {
		return fn(dev)
	})
}

// DeviceFor returns the stored description for a renderer identity.
func (m *Manager) DeviceFor(identity string) (*soap.DeviceDescription, bool) {
	return m.devices.Load(identity)
}

// SubscriptionFor returns the live subscription for a (device, service)
// pair.
func (m *Manager) SubscriptionFor(identity, serviceType string) (*Subscription, bool) {
	return m.subs.Load(subKey(identity, serviceType))
}

// timeoutHeader renders a GENA TIMEOUT header value ("Second-300").
func timeoutHeader(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int(d.Seconds()))
}

// parseTimeout parses a GENA TIMEOUT header ("Second-300"), falling back to
// the configured default for "infinite" or malformed values.
func parseTimeout(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Second-"); ok {
		if secs, err := strconv.Atoi(rest); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
