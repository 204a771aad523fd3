package gena

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ums-dlna/work/soap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewReplacesStoredSubscription(t *testing.T) {
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SUBSCRIBE", r.Method)
		assert.Equal(t, "uuid:sub-1", r.Header.Get("SID"))
		w.Header().Set("SID", "uuid:sub-1")
		w.Header().Set("TIMEOUT", "Second-600")
	}))
	defer device.Close()

	mgr, _ := testManager(t)

	expiry := time.Now().Add(time.Minute)
	orig := &Subscription{
		Owner:      "uuid:tv-1",
		Service:    soap.ServiceRef{Type: soap.ServiceAVTransport, EventSubURL: device.URL},
		SID:        "uuid:sub-1",
		ExpiryTime: expiry,
	}
	key := subKey(orig.Owner, orig.Service.Type)
	mgr.subs.Store(key, orig)

	mgr.renew(orig)

	stored, ok := mgr.subs.Load(key)
	require.True(t, ok)
	assert.NotSame(t, orig, stored, "renewal stores a fresh entry")
	assert.True(t, stored.ExpiryTime.After(time.Now().Add(9*time.Minute)))
	assert.True(t, orig.ExpiryTime.Equal(expiry), "the published entry is never written through")
}

func TestRenewFailureDropsSubscription(t *testing.T) {
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusPreconditionFailed)
	}))
	defer device.Close()

	mgr, registry := testManager(t)
	registry.GetOrCreate("uuid:tv-1", "0")

	sub := &Subscription{
		Owner:   "uuid:tv-1",
		Service: soap.ServiceRef{Type: soap.ServiceAVTransport, EventSubURL: device.URL},
		SID:     "uuid:sub-1",
	}
	key := subKey(sub.Owner, sub.Service.Type)
	mgr.subs.Store(key, sub)

	mgr.renew(sub)

	_, ok := mgr.subs.Load(key)
	assert.False(t, ok)

	rec, found := registry.Find("uuid:tv-1", "0")
	require.True(t, found)
	assert.True(t, rec.NeedsRenewal())
}
