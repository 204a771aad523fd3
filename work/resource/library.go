package resource

import (
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ums-dlna/work/config"
	"ums-dlna/work/database"
	"ums-dlna/work/didl"
	"ums-dlna/work/logger"
)

// RootID is the object id of the library root container.
const RootID = "0"

// audio/video/image format tags recognized during the scan, keyed by file
// extension.
var formatByExt = map[string]string{
	".mp3":  "mp3",
	".flac": "flac",
	".ogg":  "ogg",
	".wav":  "wav",
	".m4a":  "m4a",
	".mp4":  "mp4",
	".mkv":  "mkv",
	".avi":  "avi",
	".mov":  "mov",
	".ts":   "mpegts",
	".wmv":  "wmv",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
}

var classByFormat = map[string]string{
	"mp3":    "object.item.audioItem.musicTrack",
	"flac":   "object.item.audioItem.musicTrack",
	"ogg":    "object.item.audioItem.musicTrack",
	"wav":    "object.item.audioItem.musicTrack",
	"m4a":    "object.item.audioItem.musicTrack",
	"mp4":    "object.item.videoItem",
	"mkv":    "object.item.videoItem",
	"avi":    "object.item.videoItem",
	"mov":    "object.item.videoItem",
	"mpegts": "object.item.videoItem",
	"wmv":    "object.item.videoItem",
	"jpeg":   "object.item.imageItem.photo",
	"png":    "object.item.imageItem.photo",
	"gif":    "object.item.imageItem.photo",
}

// node is one entry of the in-memory library tree. Object ids follow a
// parent$ordinal scheme rooted at "0", stable for the lifetime of a scan.
type node struct {
	lib      *Library
	id       string
	parentID string
	name     string
	path     string
	isDir    bool
	size     int64
	format   string
	mimeType string
	duration time.Duration
	children []string
}

// Library is the filesystem-backed media tree. A scan walks the media root
// once and the resulting tree serves lookups lock-free behind a read lock;
// rescans swap the whole map.
type Library struct {
	mu       sync.RWMutex
	db       *database.DB
	root     string
	nodes    map[string]*node
	onChange func()
}

// NewLibrary creates an empty library over the given media root. onChange
// is invoked once per completed scan that altered the tree; wire it to the
// system update counter.
func NewLibrary(root string, db *database.DB, onChange func()) *Library {
	if onChange == nil {
		onChange = func() {}
	}
	return &Library{
		db:       db,
		root:     root,
		nodes:    make(map[string]*node),
		onChange: onChange,
	}
}

// SetOnChange installs the tree-changed callback.
func (l *Library) SetOnChange(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn != nil {
		l.onChange = fn
	}
}

// Scan walks the media root and rebuilds the tree. Unreadable entries are
// skipped with a warning.
func (l *Library) Scan() error {
	nodes := make(map[string]*node)
	root := &node{lib: l, id: RootID, parentID: "-1", name: "root", path: l.root, isDir: true}
	nodes[RootID] = root

	if err := l.scanDir(nodes, root); err != nil {
		return fmt.Errorf("library scan failed: %w", err)
	}

	l.mu.Lock()
	changed := len(nodes) != len(l.nodes)
	if !changed {
		for id := range nodes {
			if _, ok := l.nodes[id]; !ok {
				changed = true
				break
			}
		}
	}
	l.nodes = nodes
	onChange := l.onChange
	l.mu.Unlock()

	logger.Info("{resource - Scan} Library scan complete: %d object(s)", len(nodes))
	if changed {
		onChange()
	}
	return nil
}

func (l *Library) scanDir(nodes map[string]*node, parent *node) error {
	entries, err := os.ReadDir(parent.path)
	if err != nil {
		logger.Warn("{resource - scanDir} Skipping unreadable directory %s: %v", parent.path, err)
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	ordinal := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(parent.path, name)

		if entry.IsDir() {
			ordinal++
			child := &node{
				lib:      l,
				id:       fmt.Sprintf("%s$%d", parent.id, ordinal),
				parentID: parent.id,
				name:     name,
				path:     full,
				isDir:    true,
			}
			nodes[child.id] = child
			parent.children = append(parent.children, child.id)
			if err := l.scanDir(nodes, child); err != nil {
				return err
			}
			continue
		}

		ext := strings.ToLower(filepath.Ext(name))
		format, ok := formatByExt[ext]
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warn("{resource - scanDir} Skipping unreadable file %s: %v", full, err)
			continue
		}

		ordinal++
		child := &node{
			lib:      l,
			id:       fmt.Sprintf("%s$%d", parent.id, ordinal),
			parentID: parent.id,
			name:     strings.TrimSuffix(name, ext),
			path:     full,
			size:     info.Size(),
			format:   format,
			mimeType: mimeFor(ext),
		}
		nodes[child.id] = child
		parent.children = append(parent.children, child.id)
	}
	return nil
}

// mimeByExt covers the scanned media types; the stdlib table misses most
// audio and video extensions on minimal systems.
var mimeByExt = map[string]string{
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/mpeg",
	".wmv":  "video/x-ms-wmv",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

func mimeFor(ext string) string {
	if m, ok := mimeByExt[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}

// Resolve implements Tree.
func (l *Library) Resolve(id string, _ *config.RendererProfile) (Resource, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[id]
	if !ok {
		return nil, false
	}
	return n, true
}

// Children implements Tree. The page is carved after criteria filtering so
// a searching renderer pages through the filtered set, and total reflects
// the filtered count.
func (l *Library) Children(objectID string, directOnly bool, start, count int, p *config.RendererProfile, searchCriteria string) ([]Resource, int, error) {
	l.mu.RLock()
	parent, ok := l.nodes[objectID]
	if !ok {
		l.mu.RUnlock()
		return nil, 0, nil
	}

	var matched []*node
	if directOnly && searchCriteria == "" {
		matched = make([]*node, 0, len(parent.children))
		for _, id := range parent.children {
			matched = append(matched, l.nodes[id])
		}
	} else {
		crit := parseCriteria(searchCriteria)
		l.collect(parent, directOnly, crit, &matched)
	}
	l.mu.RUnlock()

	total := len(matched)
	if start >= total {
		return nil, total, nil
	}
	end := total
	if count > 0 && start+count < end {
		end = start + count
	}

	page := make([]Resource, 0, end-start)
	for _, n := range matched[start:end] {
		page = append(page, n)
	}
	return page, total, nil
}

// collect gathers matching descendants. Callers hold the read lock.
func (l *Library) collect(parent *node, directOnly bool, crit criteria, out *[]*node) {
	for _, id := range parent.children {
		child := l.nodes[id]
		if crit.matches(child) {
			*out = append(*out, child)
		}
		if !directOnly && child.isDir {
			l.collect(child, false, crit, out)
		}
	}
}

// SetBookmark implements Tree.
func (l *Library) SetBookmark(objectID string, positionSeconds int, renderer string) error {
	return l.db.SetBookmark(objectID, int64(positionSeconds), renderer)
}

// GetBookmark implements Tree.
func (l *Library) GetBookmark(objectID string) int {
	pos, err := l.db.GetBookmark(objectID)
	if err != nil {
		logger.Warn("{resource - GetBookmark} Failed to load bookmark for %s: %v", objectID, err)
		return 0
	}
	return int(pos)
}

// node implements Resource.

func (n *node) ID() string       { return n.id }
func (n *node) ParentID() string { return n.parentID }
func (n *node) Name() string     { return n.name }
func (n *node) IsContainer() bool {
	return n.isDir
}

func (n *node) ChildCount() int {
	n.lib.mu.RLock()
	defer n.lib.mu.RUnlock()
	return len(n.children)
}

func (n *node) Length() int64 {
	if n.isDir {
		return 0
	}
	return n.size
}

func (n *node) Duration() time.Duration { return n.duration }
func (n *node) MimeType() string        { return n.mimeType }
func (n *node) Format() string          { return n.format }

func (n *node) class() string {
	if n.isDir {
		return "object.container.storageFolder"
	}
	if c, ok := classByFormat[n.format]; ok {
		return c
	}
	return "object.item"
}

// Open returns the file positioned at the range's low byte. Ranges past
// EOF return an empty stream rather than an error; the response layer has
// already clamped the advertised span.
func (n *node) Open(rng ByteRange) (io.ReadCloser, error) {
	f, err := os.Open(n.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", n.path, err)
	}
	if rng.Low > 0 {
		if _, err := f.Seek(rng.Low, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s to %d: %w", n.path, rng.Low, err)
		}
	}
	return f, nil
}

// thumbnailCandidates lists the sidecar names probed next to a media file.
var thumbnailCandidates = []string{".jpg", ".png"}

func (n *node) OpenThumbnail() (io.ReadCloser, int64, error) {
	base := strings.TrimSuffix(n.path, filepath.Ext(n.path))
	for _, ext := range thumbnailCandidates {
		f, err := os.Open(base + ext)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			continue
		}
		return f, info.Size(), nil
	}
	if n.isDir {
		f, err := os.Open(filepath.Join(n.path, "folder.jpg"))
		if err == nil {
			if info, serr := f.Stat(); serr == nil {
				return f, info.Size(), nil
			}
			f.Close()
		}
	}
	return nil, 0, fs.ErrNotExist
}

func (n *node) OpenSubtitles() (io.ReadCloser, int64, error) {
	base := strings.TrimSuffix(n.path, filepath.Ext(n.path))
	f, err := os.Open(base + ".srt")
	if err != nil {
		return nil, 0, fs.ErrNotExist
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fs.ErrNotExist
	}
	return f, info.Size(), nil
}

// ToDidl implements Resource.
func (n *node) ToDidl(p *config.RendererProfile, urlBase string) string {
	obj := didl.Object{
		ID:         n.id,
		ParentID:   n.parentID,
		Restricted: 1,
		Title:      n.name,
		Class:      n.class(),
	}

	if n.isDir {
		frag, err := didl.MarshalFragment(didl.Container{
			Object:     obj,
			ChildCount: n.ChildCount(),
			Searchable: 1,
		})
		if err != nil {
			logger.Warn("{resource - ToDidl} Failed to marshal container %s: %v", n.id, err)
			return ""
		}
		return frag
	}

	res := didl.Resource{
		ProtocolInfo: fmt.Sprintf("http-get:*:%s:*", n.mimeType),
		URL:          fmt.Sprintf("%s/%s/file.%s", urlBase, n.id, n.format),
	}
	if n.size > 0 {
		res.Size = uint64(n.size)
	}
	if n.duration > 0 {
		res.Duration = formatDidlDuration(n.duration)
	}

	frag, err := didl.MarshalFragment(didl.Item{
		Object: obj,
		Res:    []didl.Resource{res},
	})
	if err != nil {
		logger.Warn("{resource - ToDidl} Failed to marshal item %s: %v", n.id, err)
		return ""
	}
	return frag
}

// formatDidlDuration renders h:mm:ss.mmm as required by the res duration
// attribute.
func formatDidlDuration(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms%1000)
}
