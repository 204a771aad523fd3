package handlers

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"
	"ums-dlna/work/renderer"
	"ums-dlna/work/resource"
	"ums-dlna/work/streaming"

	"github.com/gorilla/mux"
)

// HandleGet serves media, thumbnail, and subtitle retrieval.
func HandleGet(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		kind := vars["kind"]
		rendererID := vars["renderer"]
		resourceID := vars["resource"]

		recog := s.RecognitionFrom(r)
		res, ok := s.Tree.Resolve(resourceID, recog.Profile)
		if !ok {
			logger.Debug("{handlers - HandleGet} Unknown resource %s requested by %s", resourceID, rendererID)
			http.NotFound(w, r)
			return
		}

		switch kind {
		case "thumbnail":
			serveSidecar(w, r, res.OpenThumbnail, "image/jpeg", "thumbnail")
		case "subtitles":
			serveSidecar(w, r, res.OpenSubtitles, "text/srt", "subtitles")
		default:
			s.serveMedia(w, r, res, rendererID)
		}
	}
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, res resource.Resource, rendererID string) {
	recog := s.RecognitionFrom(r)

	// first media request from an unknown renderer creates its record
	rec := s.Registry.GetOrCreate(rendererID, "0")
	s.Registry.MarkActive(rendererID, true)

	byteRange, hasRange := streaming.ParseByteRange(r.Header.Get("Range"))
	timeRange, hasTime := streaming.ParseTimeSeek(r.Header.Get("TimeSeekRange.dlna.org"))

	// existence check only; the renderer fetches the sidecar through its
	// own route
	if body, _, err := res.OpenSubtitles(); err == nil {
		body.Close()
		// Samsung renderers pull sidecar subtitles from this header
		w.Header().Set("CaptionInfo.sec", fmt.Sprintf("%s/ums/subtitles/%s/%s", s.Cfg.BaseURL, rendererID, res.ID()))
	}

	transcoded := !resource.Compatible(res, recog.Profile) &&
		(recog.Profile == nil || !recog.Profile.NoTranscode)

	streaming.Serve(w, r, streaming.Request{
		Resource:     res,
		ByteRange:    byteRange,
		HasRange:     hasRange,
		TimeRange:    timeRange,
		HasTime:      hasTime,
		WantFeatures: r.Header.Get("getcontentFeatures.dlna.org") == "1",
		Transcoded:   transcoded,
		OnStopped: func() {
			rec.SetStateVariables(map[string]string{
				renderer.TransportStateVar: renderer.StateStopped,
			})
		},
	}, s.Buffers, "media")
}

// serveSidecar streams a thumbnail or subtitle file whole; sidecars are
// small enough that range handling buys nothing.
func serveSidecar(w http.ResponseWriter, r *http.Request, open func() (io.ReadCloser, int64, error), contentType, kind string) {
	body, length, err := open()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("{handlers - serveSidecar} Failed to open %s: %v", kind, err)
		}
		http.NotFound(w, r)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if r.Method == http.MethodHead {
		return
	}

	written, err := io.Copy(w, body)
	metrics.BytesServed.WithLabelValues(kind).Add(float64(written))
	if err != nil {
		logger.Debug("{handlers - serveSidecar} %s transfer ended early: %v", kind, err)
	}
}

// HandleManifest serves a generated HLS playlist for a resource.
func HandleManifest(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		recog := s.RecognitionFrom(r)

		res, ok := s.Tree.Resolve(vars["resource"], recog.Profile)
		if !ok {
			http.NotFound(w, r)
			return
		}

		manifest, err := streaming.BuildManifest(res)
		if err != nil {
			logger.Warn("{handlers - HandleManifest} Cannot build manifest for %s: %v", res.ID(), err)
			http.Error(w, "manifest unavailable", http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Length", strconv.Itoa(len(manifest)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(manifest)
	}
}

// HandleSegment serves one HLS segment as a byte slice of the resource.
func HandleSegment(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		recog := s.RecognitionFrom(r)

		res, ok := s.Tree.Resolve(vars["resource"], recog.Profile)
		if !ok {
			http.NotFound(w, r)
			return
		}

		index, err := strconv.Atoi(vars["index"])
		if err != nil {
			http.Error(w, "bad segment index", http.StatusBadRequest)
			return
		}

		rng, ok := streaming.SegmentRange(res, index)
		if !ok {
			http.NotFound(w, r)
			return
		}

		streaming.Serve(w, r, streaming.Request{
			Resource:  res,
			ByteRange: rng,
			HasRange:  true,
		}, s.Buffers, "hls")
	}
}
