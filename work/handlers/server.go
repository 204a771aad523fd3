package handlers

import (
	"context"
	"net/http"

	"ums-dlna/work/buffer"
	"ums-dlna/work/config"
	"ums-dlna/work/contentdirectory"
	"ums-dlna/work/gena"
	"ums-dlna/work/middleware"
	"ums-dlna/work/profile"
	"ums-dlna/work/renderer"
	"ums-dlna/work/resource"
	"ums-dlna/work/updateid"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
)

// Server bundles every collaborator the HTTP layer dispatches into.
type Server struct {
	Cfg        *config.Config
	Registry   *renderer.Registry
	Matcher    *profile.Matcher
	Dispatcher *contentdirectory.Dispatcher
	Tree       resource.Tree
	Counter    *updateid.Counter
	Subs       *gena.Manager
	Buffers    *buffer.Pool

	// subscribers are control points that SUBSCRIBEd to our own
	// ContentDirectory events, keyed by the SID we assigned them.
	subscribers *xsync.MapOf[string, *subscriber]
}

// NewServer creates the HTTP layer over its collaborators.
func NewServer(cfg *config.Config, registry *renderer.Registry, matcher *profile.Matcher, dispatcher *contentdirectory.Dispatcher, tree resource.Tree, counter *updateid.Counter, subs *gena.Manager, buffers *buffer.Pool) *Server {
	return &Server{
		Cfg:         cfg,
		Registry:    registry,
		Matcher:     matcher,
		Dispatcher:  dispatcher,
		Tree:        tree,
		Counter:     counter,
		Subs:        subs,
		Buffers:     buffers,
		subscribers: xsync.NewMapOf[string, *subscriber](),
	}
}

type recognitionKey struct{}

// withRecognition runs the profile matcher once per request and attaches
// the result to the request context for every downstream handler.
func (s *Server) withRecognition(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recog := s.Matcher.MatchRequest(r)
		ctx := context.WithValue(r.Context(), recognitionKey{}, recog)
		next(w, r.WithContext(ctx))
	}
}

// RecognitionFrom extracts the attached recognition; callers outside the
// middleware chain get the default profile.
func (s *Server) RecognitionFrom(r *http.Request) profile.Recognition {
	if recog, ok := r.Context().Value(recognitionKey{}).(profile.Recognition); ok {
		return recog
	}
	return profile.Recognition{Profile: s.Cfg.GetDefaultProfile()}
}

// SetupRouter builds the full route table. Media routes stream raw bytes
// and stay uncompressed; XML and API surfaces go through the gzip
// middleware.
func (s *Server) SetupRouter() *mux.Router {
	router := mux.NewRouter()

	// media retrieval: kind/renderer/resource is the minimum shape
	router.HandleFunc("/ums/hls/{renderer}/{resource}/manifest.m3u8", s.withRecognition(HandleManifest(s))).Methods("GET", "HEAD")
	router.HandleFunc("/ums/hls/{renderer}/{resource}/segment-{index:[0-9]+}.ts", s.withRecognition(HandleSegment(s))).Methods("GET", "HEAD")
	router.HandleFunc("/ums/{kind:media|thumbnail|subtitles}/{renderer}/{resource}", s.withRecognition(HandleGet(s))).Methods("GET", "HEAD")
	router.HandleFunc("/ums/{kind:media|thumbnail|subtitles}/{renderer}/{resource}/{tail:.*}", s.withRecognition(HandleGet(s))).Methods("GET", "HEAD")
	router.PathPrefix("/ums/event/").HandlerFunc(HandleInboundNotify(s)).Methods("NOTIFY", "POST")
	router.PathPrefix("/ums/").HandlerFunc(HandleBadGet).Methods("GET", "HEAD")

	// UPnP description and control
	router.HandleFunc("/description.xml", middleware.GzipMiddleware(HandleDeviceDescription(s))).Methods("GET")
	router.HandleFunc("/ContentDirectory/desc", middleware.GzipMiddleware(HandleServiceDescription)).Methods("GET")
	router.HandleFunc("/ContentDirectory/action", s.withRecognition(HandleAction(s))).Methods("POST")
	router.HandleFunc("/ContentDirectory/event", HandleSubscribe(s)).Methods("SUBSCRIBE", "UNSUBSCRIBE", "NOTIFY")

	router.HandleFunc("/icon.png", HandleIcon).Methods("GET")
	router.HandleFunc("/api/status", middleware.GzipMiddleware(HandleStatus(s))).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// HandleBadGet rejects /ums/ requests that do not carry the minimum
// kind/renderer/resource path shape.
func HandleBadGet(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "bad request path", http.StatusBadRequest)
}
