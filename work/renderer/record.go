package renderer

import (
	"sync"

	"ums-dlna/work/logger"
)

// Transport states a renderer may report through AVTransport eventing. Any
// other value offered by a device is rejected and the previous state kept.
const (
	StateStopped       = "STOPPED"
	StatePlaying       = "PLAYING"
	StatePaused        = "PAUSED_PLAYBACK"
	StateRecording     = "RECORDING"
	StateTransitioning = "TRANSITIONING"
)

// TransportStateVar is the state-variable key under which the transport
// state is tracked.
const TransportStateVar = "TransportState"

var validTransportStates = map[string]bool{
	StateStopped:       true,
	StatePlaying:       true,
	StatePaused:        true,
	StateRecording:     true,
	StateTransitioning: true,
}

// Capability is a bitmask of control capabilities a renderer exposes.
type Capability uint32

const (
	PlaybackControl Capability = 1 << iota // renderer accepts Play/Pause/Stop/Seek
	VolumeControl                          // renderer accepts SetVolume/SetMute
)

// PositionSupport is the explicit state machine for GetPositionInfo support.
// Records start Supported; generic failures move them through Probing and
// eventually to Unsupported, while a UPnP 501 jumps straight to Unsupported.
type PositionSupport int

const (
	PositionSupported PositionSupport = iota
	PositionProbing
	PositionUnsupported
)

// maxPositionFailures is the streak of generic GetPositionInfo failures
// tolerated before the capability is considered absent.
const maxPositionFailures = 2

// upnpErrNotImplemented is the UPnP error code a renderer returns for an
// action it does not implement at all.
const upnpErrNotImplemented = 501

// Observer is a callback fired after a batched state update on a Record.
type Observer func(r *Record)

// Record is one logical playback endpoint: a renderer device identity plus
// one of its logical AVTransport instances (almost always "0"). It tracks
// liveness, control capabilities, evented state variables, and the position
// query degradation state. Records are created by the Registry and never
// destroyed; a vanished device is only marked inactive so it can recover on
// the next discovery beacon.
type Record struct {
	Identity   string // opaque device identity, stable across restarts
	InstanceID string // logical instance id within the device, usually "0"

	mu               sync.Mutex
	active           bool
	needsRenewal     bool
	capabilities     Capability
	stateVars        map[string]string
	observers        map[int]Observer
	nextObserver     int
	positionState    PositionSupport
	positionFailures int
}

// newRecord builds a Record with its defaults: inactive until discovery
// confirms it, TransportState STOPPED, position queries assumed supported.
func newRecord(identity, instanceID string) *Record {
	return &Record{
		Identity:   identity,
		InstanceID: instanceID,
		stateVars: map[string]string{
			TransportStateVar: StateStopped,
		},
		observers:     make(map[int]Observer),
		positionState: PositionSupported,
	}
}

// AddObserver registers a callback fired on every logical state update and
// returns a handle usable with RemoveObserver.
func (r *Record) AddObserver(fn Observer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := r.nextObserver
	r.nextObserver++
	r.observers[handle] = fn
	return handle
}

// RemoveObserver unregisters a previously added observer.
func (r *Record) RemoveObserver(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, handle)
}

// notifyLocked snapshots the observer list under the lock; the callbacks
// themselves run unlocked so they may call back into the Record.
func (r *Record) notifyLocked() []Observer {
	out := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		out = append(out, fn)
	}
	return out
}

func fire(r *Record, observers []Observer) {
	for _, fn := range observers {
		fn(r)
	}
}

// SetStateVariables applies a batch of evented state-variable updates and
// fires observers exactly once for the whole batch, not once per key.
// Invalid TransportState values are dropped with a warning.
func (r *Record) SetStateVariables(vars map[string]string) {
	if len(vars) == 0 {
		return
	}

	r.mu.Lock()
	changed := false
	for key, value := range vars {
		if key == TransportStateVar && !validTransportStates[value] {
			logger.Warn("{renderer - SetStateVariables} Renderer %s reported invalid TransportState %q, keeping %q",
				r.Identity, value, r.stateVars[TransportStateVar])
			continue
		}
		if r.stateVars[key] != value {
			r.stateVars[key] = value
			changed = true
		}
	}
	var observers []Observer
	if changed {
		observers = r.notifyLocked()
	}
	r.mu.Unlock()

	if changed {
		fire(r, observers)
	}
}

// StateVariable returns the current value of one state variable.
func (r *Record) StateVariable(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateVars[key]
}

// TransportState returns the current transport state, always one of the
// five valid values.
func (r *Record) TransportState() string {
	return r.StateVariable(TransportStateVar)
}

// IsActive reports whether the renderer is currently reachable/subscribed.
func (r *Record) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// NeedsRenewal reports whether the GENA subscription lapsed and must be
// re-issued on the next renderer update event.
func (r *Record) NeedsRenewal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsRenewal
}

// Capabilities returns the current control capability bitmask.
func (r *Record) Capabilities() Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capabilities
}

// HasCapability reports whether the given capability bit is set.
func (r *Record) HasCapability(c Capability) bool {
	return r.Capabilities()&c != 0
}

// setActive flips the liveness flag, returning observers to fire when the
// value actually changed. Registry-level mutators use this so fan-out across
// instances notifies each record at most once.
func (r *Record) setActive(active bool) ([]Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == active {
		return nil, false
	}
	r.active = active
	return r.notifyLocked(), true
}

func (r *Record) setNeedsRenewal(needs bool) ([]Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.needsRenewal == needs {
		return nil, false
	}
	r.needsRenewal = needs
	return r.notifyLocked(), true
}

func (r *Record) setCapabilities(mask Capability) ([]Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capabilities == mask {
		return nil, false
	}
	r.capabilities = mask
	return r.notifyLocked(), true
}

// PositionQuerySupported reports whether GetPositionInfo polling should
// still be attempted for this renderer.
func (r *Record) PositionQuerySupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionState != PositionUnsupported
}

// PositionState returns the current degradation state.
func (r *Record) PositionState() PositionSupport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionState
}

// PositionFailureStreak returns the current consecutive generic-failure
// count.
func (r *Record) PositionFailureStreak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionFailures
}

// RecordPositionSuccess resets the failure streak and re-enables support.
// A renderer that answered once is trusted until it fails again.
func (r *Record) RecordPositionSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positionFailures = 0
	r.positionState = PositionSupported
}

// RecordPositionFailure feeds one GetPositionInfo failure into the
// degradation state machine. A UPnP 501 ("not implemented") disables
// position queries immediately; anything else increments the streak and
// disables them once more than maxPositionFailures generic failures pile up.
// The renderer is never marked inactive here: many devices answer this poll
// unreliably while playing perfectly well.
func (r *Record) RecordPositionFailure(upnpErrCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.positionState == PositionUnsupported {
		return
	}

	if upnpErrCode == upnpErrNotImplemented {
		r.positionState = PositionUnsupported
		logger.Debug("{renderer - RecordPositionFailure} Renderer %s returned 501 for GetPositionInfo, disabling position queries", r.Identity)
		return
	}

	r.positionFailures++
	r.positionState = PositionProbing
	if r.positionFailures > maxPositionFailures {
		r.positionState = PositionUnsupported
		logger.Debug("{renderer - RecordPositionFailure} Renderer %s failed GetPositionInfo %d times, disabling position queries",
			r.Identity, r.positionFailures)
	}
}

// StateVariablesSnapshot returns a copy of the current state-variable map
// for status reporting.
func (r *Record) StateVariablesSnapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.stateVars))
	for k, v := range r.stateVars {
		out[k] = v
	}
	return out
}
