package handlers

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ums-dlna/work/buffer"
	"ums-dlna/work/config"
	"ums-dlna/work/contentdirectory"
	"ums-dlna/work/database"
	"ums-dlna/work/gena"
	"ums-dlna/work/profile"
	"ums-dlna/work/renderer"
	"ums-dlna/work/resource"
	"ums-dlna/work/updateid"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer wires a full server over a tiny real library.
func testServer(t *testing.T) (*Server, *mux.Router, *resource.Library) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Movies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Movies", "clip.mp4"), make([]byte, 1000), 0o644))

	db, err := database.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	cfg := config.DefaultConfig()
	registry := renderer.NewRegistry()
	counter := updateid.NewCounter(db, clock.NewMock(), 300*time.Millisecond)

	library := resource.NewLibrary(root, db, nil)
	require.NoError(t, library.Scan())

	matcher := profile.NewMatcher(cfg)
	dispatcher := contentdirectory.NewDispatcher(cfg, library, counter)
	t.Cleanup(dispatcher.Close)
	subs := gena.NewManager(cfg, registry, pool)

	server := NewServer(cfg, registry, matcher, dispatcher, library, counter, subs, buffer.NewPool(4096))
	return server, server.SetupRouter(), library
}

func clipID(t *testing.T, library *resource.Library) string {
	t.Helper()
	hits, _, err := library.Children(resource.RootID, false, 0, 0, nil, `dc:title contains "clip"`)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	return hits[0].ID()
}

func TestShortMediaPathIsBadRequest(t *testing.T) {
	_, router, _ := testServer(t)

	for _, path := range []string{"/ums/media", "/ums/media/uuid-x", "/ums/unknown/a/b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestMediaRangeRequest(t *testing.T) {
	_, router, library := testServer(t)
	id := clipID(t, library)

	r := httptest.NewRequest(http.MethodGet, "/ums/media/uuid-tv/"+id, nil)
	r.Header.Set("Range", "bytes=100-199")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 100-199/1000", w.Result().Header.Get("Content-Range"))
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestMediaRequestCreatesRendererRecord(t *testing.T) {
	server, router, library := testServer(t)
	id := clipID(t, library)

	r := httptest.NewRequest(http.MethodGet, "/ums/media/uuid-living-room/"+id, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	rec, ok := server.Registry.Find("uuid-living-room", "0")
	require.True(t, ok)
	assert.True(t, rec.IsActive())
}

// trackedCloser remembers whether Close ran.
type trackedCloser struct {
	io.Reader
	closed bool
}

func (c *trackedCloser) Close() error { c.closed = true; return nil }

// subtitledResource is a minimal streamable item carrying a sidecar
// subtitle.
type subtitledResource struct {
	subs trackedCloser
}

func (r *subtitledResource) ID() string              { return "0$1$1" }
func (r *subtitledResource) ParentID() string        { return "0$1" }
func (r *subtitledResource) Name() string            { return "clip.mp4" }
func (r *subtitledResource) IsContainer() bool       { return false }
func (r *subtitledResource) ChildCount() int         { return 0 }
func (r *subtitledResource) Length() int64           { return 16 }
func (r *subtitledResource) Duration() time.Duration { return 0 }
func (r *subtitledResource) MimeType() string        { return "video/mp4" }
func (r *subtitledResource) Format() string          { return "mp4" }

func (r *subtitledResource) Open(rng resource.ByteRange) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("0123456789abcdef")), nil
}

func (r *subtitledResource) OpenThumbnail() (io.ReadCloser, int64, error) {
	return nil, 0, fs.ErrNotExist
}

func (r *subtitledResource) OpenSubtitles() (io.ReadCloser, int64, error) {
	r.subs.Reader = strings.NewReader("1\n")
	return &r.subs, 2, nil
}

func (r *subtitledResource) ToDidl(p *config.RendererProfile, urlBase string) string { return "" }

func TestCaptionHeaderReleasesSubtitleStream(t *testing.T) {
	server, _, _ := testServer(t)

	res := &subtitledResource{}
	w := httptest.NewRecorder()
	server.serveMedia(w, httptest.NewRequest(http.MethodGet, "/ums/media/uuid-tv/0$1$1", nil), res, "uuid-tv")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Result().Header.Get("CaptionInfo.sec"), "/ums/subtitles/uuid-tv/0$1$1")
	assert.True(t, res.subs.closed, "the sidecar stream opened for the header check must be released")
}

func TestUnknownResourceIs404(t *testing.T) {
	_, router, _ := testServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ums/media/uuid-tv/0$9$9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContentDirectoryBrowseAction(t *testing.T) {
	_, router, _ := testServer(t)

	body := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
<u:Browse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">
<ObjectID>0</ObjectID><BrowseFlag>BrowseDirectChildren</BrowseFlag>
<StartingIndex>0</StartingIndex><RequestedCount>10</RequestedCount>
</u:Browse>
</s:Body></s:Envelope>`

	r := httptest.NewRequest(http.MethodPost, "/ContentDirectory/action", strings.NewReader(body))
	r.Header.Set("SOAPACTION", `"urn:schemas-upnp-org:service:ContentDirectory:1#Browse"`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "BrowseResponse")
	assert.Contains(t, out, "<NumberReturned>1</NumberReturned>")
	assert.Contains(t, out, "Movies")
}

func TestDeviceAndServiceDescriptions(t *testing.T) {
	_, router, _ := testServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/description.xml", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "MediaServer:1")
	assert.Contains(t, w.Body.String(), "UMS DLNA Server")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ContentDirectory/desc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<name>Browse</name>")
}

func TestSubscribeIssuesSIDAndInitialNotify(t *testing.T) {
	_, router, _ := testServer(t)

	notified := make(chan string, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 4096)
		n, _ := r.Body.Read(body)
		notified <- string(body[:n])
	}))
	defer callback.Close()

	r := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	r.Header.Set("NT", "upnp:event")
	r.Header.Set("CALLBACK", "<"+callback.URL+">")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Result().Header.Get("SID"))
	assert.Equal(t, "Second-300", w.Result().Header.Get("TIMEOUT"))

	select {
	case body := <-notified:
		assert.Contains(t, body, "<SystemUpdateID>0</SystemUpdateID>")
		assert.Contains(t, body, "TransferIDs")
		assert.Contains(t, body, "ContainerUpdateIDs")
	case <-time.After(2 * time.Second):
		t.Fatal("initial NOTIFY never arrived")
	}
}

func TestSubscribeRenewalKeepsSID(t *testing.T) {
	server, router, _ := testServer(t)

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer callback.Close()

	r := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	r.Header.Set("CALLBACK", "<"+callback.URL+">")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	sid := w.Result().Header.Get("SID")
	require.NotEmpty(t, sid)

	orig, ok := server.subscribers.Load(sid)
	require.True(t, ok)
	origExpiry := orig.expiry

	renew := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	renew.Header.Set("SID", sid)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, renew)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sid, w.Result().Header.Get("SID"))

	// renewal replaces the stored entry; the published struct stays
	// untouched
	renewed, ok := server.subscribers.Load(sid)
	require.True(t, ok)
	assert.NotSame(t, orig, renewed)
	assert.False(t, renewed.expiry.Before(origExpiry))
	assert.True(t, orig.expiry.Equal(origExpiry))

	unknown := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	unknown.Header.Set("SID", "uuid:nope")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, unknown)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestInboundNotifyUpdatesRecord(t *testing.T) {
	server, router, _ := testServer(t)

	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><LastChange>&lt;Event&gt;&lt;InstanceID val="0"&gt;&lt;TransportState val="PLAYING"/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange></e:property>
</e:propertyset>`

	r := httptest.NewRequest("NOTIFY", "/ums/event/uuid:tv-9", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	echo := w.Body.String()
	assert.Contains(t, echo, "<TransferIDs>")
	assert.Contains(t, echo, "<ContainerUpdateIDs>")
	assert.Contains(t, echo, "<SystemUpdateID>0</SystemUpdateID>")

	rec, ok := server.Registry.Find("uuid:tv-9", "0")
	require.True(t, ok)
	assert.Equal(t, renderer.StatePlaying, rec.TransportState())
}

func TestNotifyEchoOnEventEndpoint(t *testing.T) {
	_, router, _ := testServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("NOTIFY", "/ContentDirectory/event", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<TransferIDs>")
	assert.Contains(t, body, "<ContainerUpdateIDs>")
	assert.Contains(t, body, "<SystemUpdateID>0</SystemUpdateID>")
}

func TestStatusEndpoint(t *testing.T) {
	server, router, _ := testServer(t)
	server.Registry.GetOrCreate("uuid:tv-1", "0")
	server.Registry.MarkActive("uuid:tv-1", true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		FriendlyName    string `json:"friendlyName"`
		RenderersKnown  int    `json:"renderersKnown"`
		RenderersActive int    `json:"renderersActive"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "UMS DLNA Server", status.FriendlyName)
	assert.Equal(t, 1, status.RenderersKnown)
	assert.Equal(t, 1, status.RenderersActive)
}
