package renderer

import (
	"strings"

	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the shared table of every renderer the server has ever seen
// this run, keyed by device identity and logical instance id. Lookups vastly
// outnumber mutations, so storage is a concurrent map; liveness mutators fan
// out to every instance sharing a device identity (a device's logical zones
// share reachability).
type Registry struct {
	records *xsync.MapOf[string, *Record]
}

// NewRegistry creates an empty renderer registry.
func NewRegistry() *Registry {
	return &Registry{
		records: xsync.NewMapOf[string, *Record](),
	}
}

// recordKey builds the composite map key. The NUL separator cannot occur in
// either component.
func recordKey(identity, instanceID string) string {
	return identity + "\x00" + instanceID
}

// GetOrCreate returns the Record for the identity/instance pair, creating it
// with defaults on first sight. Repeated calls with the same pair return the
// same Record instance.
func (g *Registry) GetOrCreate(identity, instanceID string) *Record {
	if instanceID == "" {
		instanceID = "0"
	}

	rec, loaded := g.records.LoadOrStore(recordKey(identity, instanceID), newRecord(identity, instanceID))
	if !loaded {
		logger.Debug("{renderer - GetOrCreate} New renderer record: %s instance %s", identity, instanceID)
	}
	return rec
}

// Find returns the Record for the identity/instance pair without creating it.
func (g *Registry) Find(identity, instanceID string) (*Record, bool) {
	if instanceID == "" {
		instanceID = "0"
	}
	return g.records.Load(recordKey(identity, instanceID))
}

// forIdentity invokes fn for every Record sharing a device identity.
func (g *Registry) forIdentity(identity string, fn func(r *Record)) {
	prefix := identity + "\x00"
	g.records.Range(func(key string, rec *Record) bool {
		if strings.HasPrefix(key, prefix) {
			fn(rec)
		}
		return true
	})
}

// MarkActive sets the liveness flag on every instance of a device. Each
// affected Record fires its observers exactly once. The online gauge moves
// with the primary instance only so multi-zone devices count as one.
func (g *Registry) MarkActive(identity string, active bool) {
	g.forIdentity(identity, func(rec *Record) {
		observers, changed := rec.setActive(active)
		if !changed {
			return
		}
		if rec.InstanceID == "0" {
			if active {
				metrics.RenderersOnline.Inc()
			} else {
				metrics.RenderersOnline.Dec()
			}
		}
		fire(rec, observers)
	})
}

// MarkRenewal sets the subscription-lapsed flag on every instance of a
// device.
func (g *Registry) MarkRenewal(identity string, needsRenewal bool) {
	g.forIdentity(identity, func(rec *Record) {
		if observers, changed := rec.setNeedsRenewal(needsRenewal); changed {
			fire(rec, observers)
		}
	})
}

// SetCapabilities replaces the control capability bitmask on every instance
// of a device.
func (g *Registry) SetCapabilities(identity string, mask Capability) {
	g.forIdentity(identity, func(rec *Record) {
		if observers, changed := rec.setCapabilities(mask); changed {
			fire(rec, observers)
		}
	})
}

// Range iterates all records until fn returns false.
func (g *Registry) Range(fn func(rec *Record) bool) {
	g.records.Range(func(_ string, rec *Record) bool {
		return fn(rec)
	})
}

// ActiveCount returns the number of device identities currently active.
func (g *Registry) ActiveCount() int {
	count := 0
	g.records.Range(func(_ string, rec *Record) bool {
		if rec.InstanceID == "0" && rec.IsActive() {
			count++
		}
		return true
	})
	return count
}

// Size returns the total number of records (all instances).
func (g *Registry) Size() int {
	return g.records.Size()
}
