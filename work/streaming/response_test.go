package streaming

import (
	"bytes"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ums-dlna/work/buffer"
	"ums-dlna/work/config"
	"ums-dlna/work/resource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource is a fixed byte payload with configurable metadata.
type fakeResource struct {
	id       string
	length   int64
	duration time.Duration
	mime     string
	format   string
	data     []byte
	openErr  error
}

func (f *fakeResource) ID() string              { return f.id }
func (f *fakeResource) ParentID() string        { return "0" }
func (f *fakeResource) Name() string            { return f.id }
func (f *fakeResource) IsContainer() bool       { return false }
func (f *fakeResource) ChildCount() int         { return 0 }
func (f *fakeResource) Length() int64           { return f.length }
func (f *fakeResource) Duration() time.Duration { return f.duration }
func (f *fakeResource) MimeType() string        { return f.mime }
func (f *fakeResource) Format() string          { return f.format }

func (f *fakeResource) Open(rng resource.ByteRange) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	data := f.data
	if rng.Low > 0 && rng.Low < int64(len(data)) {
		data = data[rng.Low:]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeResource) OpenThumbnail() (io.ReadCloser, int64, error) { return nil, 0, fs.ErrNotExist }
func (f *fakeResource) OpenSubtitles() (io.ReadCloser, int64, error) { return nil, 0, fs.ErrNotExist }
func (f *fakeResource) ToDidl(*config.RendererProfile, string) string {
	return `<item id="` + f.id + `"/>`
}

func thousandByteResource() *fakeResource {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	return &fakeResource{id: "1$1", length: 1000, mime: "video/mp4", format: "mp4", data: data}
}

func TestBuildClosedRange(t *testing.T) {
	resp := Build(Request{
		Resource:  thousandByteResource(),
		ByteRange: resource.ByteRange{Low: 100, High: 199},
		HasRange:  true,
	})

	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "bytes 100-199/1000", resp.Headers.Get("Content-Range"))
	assert.Equal(t, "100", resp.Headers.Get("Content-Length"))
	assert.Equal(t, int64(100), resp.Length)
}

func TestBuildOpenEndedRange(t *testing.T) {
	resp := Build(Request{
		Resource:  thousandByteResource(),
		ByteRange: resource.ByteRange{Low: 900, High: -1},
		HasRange:  true,
	})

	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "bytes 900-999/1000", resp.Headers.Get("Content-Range"))
	assert.Equal(t, int64(100), resp.Length)
}

func TestBuildNoRange(t *testing.T) {
	resp := Build(Request{Resource: thousandByteResource()})

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Headers.Get("Content-Range"))
	assert.Equal(t, "1000", resp.Headers.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Headers.Get("Accept-Ranges"))
}

func TestBuildSpanClampedToEOF(t *testing.T) {
	resp := Build(Request{
		Resource:  thousandByteResource(),
		ByteRange: resource.ByteRange{Low: 950, High: 1999},
		HasRange:  true,
	})

	assert.Equal(t, "bytes 950-999/1000", resp.Headers.Get("Content-Range"))
	assert.Equal(t, int64(50), resp.Length)
}

func TestBuildUnknownLengthSuppressesContentLength(t *testing.T) {
	res := thousandByteResource()
	res.length = resource.LengthUnknown

	resp := Build(Request{Resource: res})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Headers.Get("Content-Length"), "unknown totals must not guess a length")
}

func TestBuildTranscodedForcesUnknownLength(t *testing.T) {
	resp := Build(Request{Resource: thousandByteResource(), Transcoded: true})
	assert.Empty(t, resp.Headers.Get("Content-Length"))
}

func TestBuildContentFeatures(t *testing.T) {
	resp := Build(Request{Resource: thousandByteResource(), WantFeatures: true})

	features := resp.Headers.Get("ContentFeatures.DLNA.ORG")
	assert.Contains(t, features, "DLNA.ORG_PN=AVC_MP4_MP_SD_AAC_MULT5")
	assert.Contains(t, features, "DLNA.ORG_OP=01")
	assert.Contains(t, features, "DLNA.ORG_CI=0")
}

func TestServeEndOfStreamSendsNoBody(t *testing.T) {
	stopped := 0
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ums/media/x/1$1", nil)

	Serve(w, r, Request{
		Resource:  thousandByteResource(),
		ByteRange: resource.ByteRange{Low: resource.EndOfStream},
		HasRange:  true,
		OnStopped: func() { stopped++ },
	}, buffer.NewPool(1024), "media")

	assert.Empty(t, w.Body.Bytes(), "the end-of-stream sentinel must never produce a body")
	assert.Equal(t, 1, stopped)
}

func TestServeStreamsRequestedSpan(t *testing.T) {
	stopped := 0
	res := thousandByteResource()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ums/media/x/1$1", nil)

	Serve(w, r, Request{
		Resource:  res,
		ByteRange: resource.ByteRange{Low: 100, High: 199},
		HasRange:  true,
		OnStopped: func() { stopped++ },
	}, buffer.NewPool(1024), "media")

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, res.data[100:200], w.Body.Bytes())
	assert.Equal(t, 1, stopped, "the stopped callback fires exactly once")
}

func TestServeOpenFailure(t *testing.T) {
	stopped := 0
	res := thousandByteResource()
	res.openErr = fs.ErrNotExist
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ums/media/x/1$1", nil)

	Serve(w, r, Request{
		Resource:  res,
		OnStopped: func() { stopped++ },
	}, buffer.NewPool(1024), "media")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 1, stopped)
}

func TestServeHeadSendsHeadersOnly(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodHead, "/ums/media/x/1$1", nil)

	Serve(w, r, Request{Resource: thousandByteResource()}, buffer.NewPool(1024), "media")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
	assert.Equal(t, "1000", w.Result().Header.Get("Content-Length"))
}
