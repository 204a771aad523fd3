package streaming

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"ums-dlna/work/buffer"
	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"
	"ums-dlna/work/resource"
)

// dlnaProfileByFormat maps a library format tag to its DLNA.ORG_PN profile
// name, for the formats that have one.
var dlnaProfileByFormat = map[string]string{
	"mp3":  "MP3",
	"m4a":  "AAC_ISO_320",
	"wav":  "LPCM",
	"jpeg": "JPEG_LRG",
	"png":  "PNG_LRG",
	"mp4":  "AVC_MP4_MP_SD_AAC_MULT5",
	"wmv":  "WMVMED_FULL",
}

// ContentFeatures renders the contentFeatures.dlna.org header value.
type ContentFeatures struct {
	ProfileName     string
	SupportTimeSeek bool
	SupportRange    bool
	Transcoded      bool
}

func (cf ContentFeatures) String() string {
	params := make([]string, 0, 2)
	if cf.ProfileName != "" {
		params = append(params, "DLNA.ORG_PN="+cf.ProfileName)
	}
	params = append(params, fmt.Sprintf(
		"DLNA.ORG_OP=%b%b;DLNA.ORG_CI=%b;DLNA.ORG_FLAGS=01700000000000000000000000000000",
		binaryInt(cf.SupportTimeSeek),
		binaryInt(cf.SupportRange),
		binaryInt(cf.Transcoded)))
	return strings.Join(params, ";")
}

func binaryInt(b bool) uint {
	if b {
		return 1
	}
	return 0
}

// Request carries everything the builder needs to answer one media request.
type Request struct {
	Resource  resource.Resource
	ByteRange resource.ByteRange
	HasRange  bool
	TimeRange resource.TimeRange
	HasTime   bool
	// WantFeatures mirrors the getcontentFeatures.dlna.org request header.
	WantFeatures bool
	// Transcoded forces unknown-length semantics regardless of the
	// resource's reported size.
	Transcoded bool
	// OnStopped, when non-nil, fires exactly once after the transfer ends
	// for any reason: completion, client disconnect, or open failure.
	OnStopped func()
}

// Response is the computed wire metadata plus the body span to serve.
type Response struct {
	Status  int
	Headers http.Header
	// Low is the first byte to serve; resource.EndOfStream means send
	// headers only.
	Low int64
	// Length is the body byte count, or resource.LengthUnknown to stream
	// until EOF.
	Length int64
}

// Build computes status, headers, and the byte span for a media request.
// It never opens the resource; Serve does that so header-only paths (HEAD,
// end-of-stream) stay cheap.
func Build(req Request) Response {
	res := req.Resource
	headers := http.Header{}
	headers.Set("Accept-Ranges", "bytes")
	headers.Set("Content-Type", res.MimeType())

	total := res.Length()
	if req.Transcoded {
		total = resource.LengthUnknown
	}

	out := Response{Status: http.StatusOK, Headers: headers, Length: total}

	if req.WantFeatures {
		headers.Set("ContentFeatures.DLNA.ORG", ContentFeatures{
			ProfileName:     dlnaProfileByFormat[res.Format()],
			SupportTimeSeek: res.Duration() > 0,
			SupportRange:    total != resource.LengthUnknown,
			Transcoded:      req.Transcoded,
		}.String())
	}

	if req.HasTime && res.Duration() > 0 {
		start := req.TimeRange.Start
		end := req.TimeRange.End
		if end < 0 || end > res.Duration() {
			end = res.Duration()
		}
		if start > res.Duration() {
			start = res.Duration()
		}
		seek := fmt.Sprintf("npt=%s-%s/%s", FormatNPT(start), FormatNPT(end), FormatNPT(res.Duration()))
		headers.Set("TimeSeekRange.dlna.org", seek)
		headers.Set("X-Seek-Range", seek)
	}

	low := req.ByteRange.Low
	if low == resource.EndOfStream {
		// nothing left; headers go out, the body never starts
		out.Low = resource.EndOfStream
		out.Length = 0
		return out
	}

	if req.HasRange && (req.ByteRange.Low > 0 || req.ByteRange.High >= 0) {
		out.Status = http.StatusPartialContent

		high := req.ByteRange.High
		if total != resource.LengthUnknown {
			remaining := total - low
			if remaining < 0 {
				remaining = 0
			}
			span := remaining
			if high >= 0 {
				if s := high - low + 1; s < span {
					span = s
				}
			}
			high = low + span - 1
			out.Length = span
			headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", low, high, total))
		} else {
			out.Length = resource.LengthUnknown
			if high >= 0 {
				out.Length = high - low + 1
				headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", low, high))
			}
		}
	}

	out.Low = low

	// an unknown total with chunked transfer must not guess a length
	if out.Length != resource.LengthUnknown {
		headers.Set("Content-Length", strconv.FormatInt(out.Length, 10))
	}

	return out
}

// Serve writes the computed response and streams the body. kind labels the
// transfer for metrics ("media", "thumbnail", "subtitles", "hls").
func Serve(w http.ResponseWriter, r *http.Request, req Request, pool *buffer.Pool, kind string) {
	resp := Build(req)

	stopped := notifyOnce(req.OnStopped)

	if resp.Low == resource.EndOfStream || r.Method == http.MethodHead {
		writeHeaders(w, resp)
		stopped()
		return
	}

	body, err := req.Resource.Open(resource.ByteRange{Low: resp.Low, High: req.ByteRange.High})
	if err != nil {
		logger.Error("{streaming - Serve} Failed to open %s: %v", req.Resource.ID(), err)
		http.Error(w, "media unavailable", http.StatusServiceUnavailable)
		stopped()
		return
	}
	defer body.Close()

	writeHeaders(w, resp)

	metrics.ActiveTransfers.WithLabelValues(kind).Inc()
	defer metrics.ActiveTransfers.WithLabelValues(kind).Dec()
	defer stopped()

	var src io.Reader = body
	if resp.Length > 0 {
		src = io.LimitReader(body, resp.Length)
	}

	buf := pool.Get()
	defer pool.Put(buf)

	written, err := io.CopyBuffer(onlyWriter{w}, src, buf.B)
	metrics.BytesServed.WithLabelValues(kind).Add(float64(written))
	if err != nil {
		// a reset mid-transfer is the renderer seeking or stopping, not a
		// server fault
		logger.Debug("{streaming - Serve} Transfer of %s ended early after %d byte(s): %v", req.Resource.ID(), written, err)
		return
	}
	logger.Debug("{streaming - Serve} Served %d byte(s) of %s", written, req.Resource.ID())
}

func writeHeaders(w http.ResponseWriter, resp Response) {
	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Set(key, v)
		}
	}
	w.WriteHeader(resp.Status)
}

// notifyOnce wraps a transfer-stopped callback so every exit path can call
// it unconditionally.
func notifyOnce(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(fn) }
}

// onlyWriter hides ReaderFrom from io.CopyBuffer so the pooled buffer is
// actually used for the copy.
type onlyWriter struct {
	io.Writer
}
