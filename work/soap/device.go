package soap

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/huin/goupnp"
)

// Well-known service types this engine talks to.
const (
	ServiceAVTransport      = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceRenderingControl = "urn:schemas-upnp-org:service:RenderingControl:1"
	ServiceConnectionMgr    = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

// ServiceRef points at one UPnP service on a device: the endpoints the
// Action Invoker and Subscription Manager need.
type ServiceRef struct {
	Type        string          // full urn service type
	ControlURL  string          // absolute control endpoint
	EventSubURL string          // absolute eventing endpoint
	Actions     map[string]bool // action names from the SCPD; nil when it could not be fetched
}

// HasAction reports whether the service's SCPD lists the named action. A
// missing SCPD claims nothing, so every action passes.
func (s ServiceRef) HasAction(name string) bool {
	return s.Actions == nil || s.Actions[name]
}

// DeviceDescription is the resolved identity and service table of one
// renderer device, parsed from its description document.
type DeviceDescription struct {
	Identity     string                // device UDN, stable across restarts
	FriendlyName string                // display name from the description
	Details      string                // "manufacturer modelName modelNumber" blob used for profile matching
	Services     map[string]ServiceRef // keyed by full service type urn
}

// Service returns the ServiceRef for a service type, reporting whether the
// device exposes it at all.
func (d *DeviceDescription) Service(serviceType string) (ServiceRef, bool) {
	ref, ok := d.Services[serviceType]
	return ref, ok
}

// ResolveDevice fetches and parses a device description document and
// flattens it into the identity and service endpoints this engine cares
// about. Relative control/event URLs are resolved against the description
// location.
func ResolveDevice(location string) (*DeviceDescription, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid device location %q: %w", location, err)
	}

	root, err := goupnp.DeviceByURL(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device description from %s: %w", location, err)
	}

	dev := &root.Device
	desc := &DeviceDescription{
		Identity:     dev.UDN,
		FriendlyName: dev.FriendlyName,
		Details:      strings.TrimSpace(strings.Join([]string{dev.Manufacturer, dev.ModelName, dev.ModelNumber}, " ")),
		Services:     make(map[string]ServiceRef),
	}

	dev.VisitServices(func(srv *goupnp.Service) {
		var actions map[string]bool
		if doc, err := srv.RequestSCPD(); err == nil {
			actions = make(map[string]bool, len(doc.Actions))
			for _, a := range doc.Actions {
				actions[a.Name] = true
			}
		}
		desc.Services[srv.ServiceType] = ServiceRef{
			Type:        srv.ServiceType,
			ControlURL:  srv.ControlURL.URL.String(),
			EventSubURL: srv.EventSubURL.URL.String(),
			Actions:     actions,
		}
	})

	return desc, nil
}
