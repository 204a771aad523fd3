package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"
	"ums-dlna/work/renderer"
)

// ActionGetPositionInfo gets asymmetric failure handling: it is polled
// constantly and many renderers answer it unreliably, so its failures feed
// capability degradation instead of liveness.
const ActionGetPositionInfo = "GetPositionInfo"

// Invoker sends UPnP control actions (AVTransport/RenderingControl) to
// renderer devices and folds the outcome back into Renderer Records:
// success proves liveness, failure of anything but GetPositionInfo revokes
// it, and GetPositionInfo failures degrade only the position capability.
type Invoker struct {
	registry *renderer.Registry
	client   *http.Client
}

// NewInvoker creates an Invoker bound to the shared renderer registry.
func NewInvoker(registry *renderer.Registry) *Invoker {
	return &Invoker{
		registry: registry,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ErrServiceNotFound is returned when the target device does not expose the
// requested service or action endpoint. This is a configuration mismatch,
// not a transient device failure.
var ErrServiceNotFound = errors.New("service not available on device")

// Invoke sends one action to a device service and returns the parsed result
// arguments, or nil on failure. All failure modes are contained here and
// reflected as Record state changes; callers never need to abort an HTTP
// response because of them.
func (inv *Invoker) Invoke(ctx context.Context, dev *DeviceDescription, serviceType, action string, args Args) (Args, error) {
	positionQuery := action == ActionGetPositionInfo

	svc, ok := dev.Service(serviceType)
	if !ok {
		// the device simply does not implement this service; warn, don't
		// distrust the connection
		logger.Warn("{soap - Invoke} Device %s has no %s service, cannot send %s", dev.Identity, serviceType, action)
		return nil, ErrServiceNotFound
	}
	if !svc.HasAction(action) {
		logger.Warn("{soap - Invoke} Device %s service %s does not list action %s", dev.Identity, serviceType, action)
		return nil, ErrServiceNotFound
	}

	result, err := inv.perform(ctx, svc, serviceType, action, args)
	if err != nil {
		inv.handleFailure(dev, action, err, positionQuery)
		return nil, err
	}

	// a successful action proves the renderer is reachable
	inv.registry.MarkActive(dev.Identity, true)
	if positionQuery {
		if rec, found := inv.registry.Find(dev.Identity, "0"); found {
			rec.RecordPositionSuccess()
		}
	}

	return result, nil
}

// perform executes the HTTP half of a SOAP action call.
func (inv *Invoker) perform(ctx context.Context, svc ServiceRef, serviceType, action string, args Args) (Args, error) {
	payload := BuildActionCall(serviceType, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.ControlURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", serviceType+"#"+action))
	req.Header.Set("Connection", "close")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s response read failed: %w", action, err)
	}

	// faults come back as 500 with a UPnPError detail; DecodeActionResponse
	// surfaces that as *UPnPError
	result, err := DecodeActionResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d", action, resp.StatusCode)
	}
	return result, nil
}

// handleFailure applies the asymmetric failure policy: anything but a
// position query marks the device inactive; position queries only feed the
// degradation state machine.
func (inv *Invoker) handleFailure(dev *DeviceDescription, action string, err error, positionQuery bool) {
	metrics.ControlFailures.WithLabelValues(action).Inc()

	if !positionQuery {
		logger.Error("{soap - Invoke} %s failed for renderer %s: %v", action, dev.Identity, err)
		inv.registry.MarkActive(dev.Identity, false)
		return
	}

	// position poll chatter stays out of normal logs entirely
	if logger.IsDebug() {
		logger.Debug("{soap - Invoke} GetPositionInfo failed for renderer %s: %v", dev.Identity, err)
	}

	code := 0
	var upnpErr *UPnPError
	if errors.As(err, &upnpErr) {
		code = upnpErr.Code
	}
	if rec, found := inv.registry.Find(dev.Identity, "0"); found {
		rec.RecordPositionFailure(code)
	}
}
