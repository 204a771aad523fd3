package resource

import (
	"io"
	"time"

	"ums-dlna/work/config"
)

// LengthUnknown marks a resource whose byte length is not knowable up
// front, typically because it is produced by a transcode pipeline. A
// response for such a resource must not carry a concrete Content-Length.
const LengthUnknown int64 = -1

// EndOfStream is the low-byte sentinel meaning "no more bytes": a request
// resolved to this offset gets headers but never a body.
const EndOfStream int64 = -1

// TranscodeFolderID prefixes containers that enumerate transcode options
// for a single item. Children of such a container bypass renderer
// compatibility filtering so every option stays visible.
const TranscodeFolderID = "#transcode#"

// ByteRange is a half-open byte span. Unset ends carry -1.
type ByteRange struct {
	Low  int64
	High int64
}

// IsSet reports whether the range constrains anything.
func (r ByteRange) IsSet() bool {
	return r.Low > 0 || r.High >= 0
}

// TimeRange is a playback time span. A negative End means "to the end".
type TimeRange struct {
	Start time.Duration
	End   time.Duration
}

// Resource is one node of the media tree as seen by the protocol engine:
// enough to stream it, describe it in DIDL-Lite, and filter it against a
// renderer's capabilities.
type Resource interface {
	ID() string
	ParentID() string
	Name() string
	IsContainer() bool
	ChildCount() int

	// Length returns the byte length, or LengthUnknown while transcoding.
	Length() int64
	// Duration returns playback length, zero when unknown.
	Duration() time.Duration
	MimeType() string
	// Format is the container/codec tag matched against a profile's
	// supported format list.
	Format() string

	// Open returns a byte stream positioned at the range's low byte.
	Open(rng ByteRange) (io.ReadCloser, error)
	// OpenThumbnail returns the thumbnail stream and its length, or an
	// error satisfying errors.Is(err, fs.ErrNotExist) when absent.
	OpenThumbnail() (io.ReadCloser, int64, error)
	// OpenSubtitles behaves like OpenThumbnail for the sidecar subtitle.
	OpenSubtitles() (io.ReadCloser, int64, error)

	// ToDidl renders the object as a DIDL-Lite fragment. urlBase is the
	// renderer-scoped media URL prefix the res elements hang off.
	ToDidl(p *config.RendererProfile, urlBase string) string
}

// Tree is the browsable resource hierarchy the ContentDirectory dispatcher
// consumes.
type Tree interface {
	// Resolve finds a node by object id for the given renderer profile.
	Resolve(id string, p *config.RendererProfile) (Resource, bool)

	// Children returns one page of a container's children plus the
	// container's total direct child count. count <= 0 means unbounded.
	// searchCriteria, when non-empty, restricts the set before paging.
	Children(objectID string, directOnly bool, start, count int, p *config.RendererProfile, searchCriteria string) ([]Resource, int, error)

	// SetBookmark stores a resume position for an object.
	SetBookmark(objectID string, positionSeconds int, renderer string) error
	// GetBookmark returns the stored resume position, zero when absent.
	GetBookmark(objectID string) int
}

// Compatible reports whether a resource may be offered to a renderer with
// the given profile. Containers are always listable; an empty supported
// format list accepts everything.
func Compatible(res Resource, p *config.RendererProfile) bool {
	if res.IsContainer() {
		return true
	}
	if p == nil || len(p.SupportedFormats) == 0 {
		return true
	}
	format := res.Format()
	for _, f := range p.SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}
