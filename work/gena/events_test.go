package gena

import (
	"testing"
	"time"

	"ums-dlna/work/config"
	"ums-dlna/work/renderer"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const avTransportEvent = `<?xml version="1.0" encoding="utf-8"?>
<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property>
<LastChange>&lt;Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"&gt;&lt;InstanceID val="0"&gt;&lt;TransportState val="PLAYING"/&gt;&lt;CurrentTrackURI val="http://10.0.0.2/ums/media/x/1$4"/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange>
</e:property>
</e:propertyset>`

func TestParseLastChange(t *testing.T) {
	updates, err := ParseLastChange([]byte(avTransportEvent))
	require.NoError(t, err)
	require.Len(t, updates, 1)

	assert.Equal(t, "0", updates[0].InstanceID)
	assert.Equal(t, "PLAYING", updates[0].Variables["TransportState"])
	assert.Equal(t, "http://10.0.0.2/ums/media/x/1$4", updates[0].Variables["CurrentTrackURI"])
}

func TestParseLastChangeMultipleInstances(t *testing.T) {
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><LastChange>&lt;Event&gt;&lt;InstanceID val="0"&gt;&lt;Volume val="12"/&gt;&lt;/InstanceID&gt;&lt;InstanceID val="1"&gt;&lt;Volume val="30"/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange></e:property>
</e:propertyset>`

	updates, err := ParseLastChange([]byte(body))
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "12", updates[0].Variables["Volume"])
	assert.Equal(t, "1", updates[1].InstanceID)
	assert.Equal(t, "30", updates[1].Variables["Volume"])
}

func TestParseLastChangeMissingInstanceIDDefaultsToZero(t *testing.T) {
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><LastChange>&lt;Event&gt;&lt;InstanceID&gt;&lt;Mute val="0"/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange></e:property>
</e:propertyset>`

	updates, err := ParseLastChange([]byte(body))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "0", updates[0].InstanceID)
}

func TestParseLastChangeMalformed(t *testing.T) {
	_, err := ParseLastChange([]byte("<not-xml"))
	assert.Error(t, err)

	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><LastChange>&lt;Event&lt;broken</LastChange></e:property>
</e:propertyset>`
	_, err = ParseLastChange([]byte(body))
	assert.Error(t, err)
}

func TestParseLastChangeNoLastChangeProperty(t *testing.T) {
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><SystemUpdateID>4</SystemUpdateID></e:property>
</e:propertyset>`

	updates, err := ParseLastChange([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func testManager(t *testing.T) (*Manager, *renderer.Registry) {
	t.Helper()
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	registry := renderer.NewRegistry()
	cfg := config.DefaultConfig()
	return NewManager(cfg, registry, pool), registry
}

func TestHandleNotifyUpdatesRecord(t *testing.T) {
	mgr, registry := testManager(t)

	mgr.HandleNotify("uuid:tv-1", []byte(avTransportEvent))

	rec, ok := registry.Find("uuid:tv-1", "0")
	require.True(t, ok, "event delivery creates the record")
	assert.Equal(t, "PLAYING", rec.TransportState())
}

func TestHandleNotifyDropsMalformedEvent(t *testing.T) {
	mgr, registry := testManager(t)

	rec := registry.GetOrCreate("uuid:tv-1", "0")
	rec.SetStateVariables(map[string]string{renderer.TransportStateVar: renderer.StatePlaying})

	mgr.HandleNotify("uuid:tv-1", []byte("<garbage"))

	assert.Equal(t, renderer.StatePlaying, rec.TransportState(), "a bad event must not disturb existing state")
}

func TestTimeoutHeaderRoundTrip(t *testing.T) {
	assert.Equal(t, "Second-300", timeoutHeader(300*time.Second))
	assert.Equal(t, 300*time.Second, parseTimeout("Second-300", time.Minute))
	assert.Equal(t, time.Minute, parseTimeout("infinite", time.Minute))
	assert.Equal(t, time.Minute, parseTimeout("", time.Minute))
}
