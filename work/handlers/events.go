package handlers

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ums-dlna/work/logger"
)

// maxBodyBytes bounds inbound SOAP and NOTIFY bodies.
const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// subscriber is one control point subscribed to our ContentDirectory
// events. Stored entries are immutable once published; renewal replaces
// the map entry instead of writing through the shared pointer.
type subscriber struct {
	sid      string
	callback string
	expiry   time.Time
}

// HandleSubscribe implements the GENA server side for our own
// ContentDirectory service: new subscriptions, renewals, and cancellation.
func HandleSubscribe(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "NOTIFY" {
			// an echoed NOTIFY gets the full propertyset back
			s.writePropertySet(w)
			return
		}

		if r.Method == "UNSUBSCRIBE" {
			if sid := r.Header.Get("SID"); sid != "" {
				s.subscribers.Delete(sid)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		timeout := fmt.Sprintf("Second-%d", int(s.Cfg.SubscriptionTimeout.Seconds()))

		if sid := r.Header.Get("SID"); sid != "" {
			// renewal
			sub, ok := s.subscribers.Load(sid)
			if !ok {
				http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
				return
			}
			renewed := *sub
			renewed.expiry = time.Now().Add(s.Cfg.SubscriptionTimeout)
			s.subscribers.Store(sid, &renewed)
			w.Header().Set("SID", sid)
			w.Header().Set("TIMEOUT", timeout)
			w.WriteHeader(http.StatusOK)
			return
		}

		callback := parseCallback(r.Header.Get("CALLBACK"))
		if callback == "" {
			http.Error(w, "missing callback", http.StatusPreconditionFailed)
			return
		}

		sub := &subscriber{
			sid:      newSID(),
			callback: callback,
			expiry:   time.Now().Add(s.Cfg.SubscriptionTimeout),
		}
		s.subscribers.Store(sub.sid, sub)

		w.Header().Set("SID", sub.sid)
		w.Header().Set("TIMEOUT", timeout)
		w.WriteHeader(http.StatusOK)

		// initial event delivery is best-effort and must not delay the
		// SUBSCRIBE response
		go s.notifyOne(sub, 0)

		logger.Debug("{handlers - HandleSubscribe} New subscriber %s at %s", sub.sid, sub.callback)
	}
}

// parseCallback extracts the first <url> from a CALLBACK header.
func parseCallback(header string) string {
	open := strings.IndexByte(header, '<')
	if open < 0 {
		return ""
	}
	end := strings.IndexByte(header[open:], '>')
	if end < 0 {
		return ""
	}
	return header[open+1 : open+end]
}

func newSID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("uuid:%d", time.Now().UnixNano())
	}
	return "uuid:" + hex.EncodeToString(buf)
}

// NotifySubscribers pushes the current SystemUpdateID to every live
// subscriber. Wire it to the update counter's change path.
func (s *Server) NotifySubscribers() {
	now := time.Now()
	s.subscribers.Range(func(sid string, sub *subscriber) bool {
		if sub.expiry.Before(now) {
			s.subscribers.Delete(sid)
			return true
		}
		go s.notifyOne(sub, 0)
		return true
	})
}

// notifyOne delivers one propertyset NOTIFY. seq 0 marks the initial event.
func (s *Server) notifyOne(sub *subscriber, seq int) {
	body := fmt.Sprintf(propertySetTemplate, s.Counter.Get())

	req, err := http.NewRequest("NOTIFY", sub.callback, bytes.NewReader([]byte(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	req.Header.Set("SID", sub.sid)
	req.Header.Set("SEQ", strconv.Itoa(seq))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("{handlers - notifyOne} Event delivery to %s failed: %v", sub.callback, err)
		return
	}
	resp.Body.Close()
}

// writePropertySet answers a request with the current state-variable
// propertyset: TransferIDs, ContainerUpdateIDs, SystemUpdateID.
func (s *Server) writePropertySet(w http.ResponseWriter) {
	body := fmt.Sprintf(propertySetTemplate, s.Counter.Get())
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	io.WriteString(w, body)
}

const propertySetTemplate = `<?xml version="1.0" encoding="utf-8"?>` +
	`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
	`<e:property><TransferIDs></TransferIDs></e:property>` +
	`<e:property><ContainerUpdateIDs></ContainerUpdateIDs></e:property>` +
	`<e:property><SystemUpdateID>%d</SystemUpdateID></e:property>` +
	`</e:propertyset>`

// HandleInboundNotify accepts NOTIFY deliveries from renderers we
// subscribed to and feeds them into the subscription manager. The renderer
// identity rides as the last path segment of the callback URL we
// registered. The response carries the current propertyset.
func HandleInboundNotify(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
		if identity == "" {
			http.Error(w, "missing renderer identity", http.StatusBadRequest)
			return
		}

		body, err := readBody(r)
		if err != nil {
			http.Error(w, "bad notify body", http.StatusBadRequest)
			return
		}

		s.Subs.HandleNotify(identity, body)
		s.writePropertySet(w)
	}
}
