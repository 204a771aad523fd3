package contentdirectory

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ums-dlna/work/config"
	"ums-dlna/work/database"
	"ums-dlna/work/profile"
	"ums-dlna/work/resource"
	"ums-dlna/work/soap"
	"ums-dlna/work/updateid"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeItem is a minimal leaf resource.
type fakeItem struct {
	id     string
	name   string
	format string
}

func (f *fakeItem) ID() string                                        { return f.id }
func (f *fakeItem) ParentID() string                                  { return "0" }
func (f *fakeItem) Name() string                                      { return f.name }
func (f *fakeItem) IsContainer() bool                                 { return false }
func (f *fakeItem) ChildCount() int                                   { return 0 }
func (f *fakeItem) Length() int64                                     { return 1000 }
func (f *fakeItem) Duration() time.Duration                           { return 0 }
func (f *fakeItem) MimeType() string                                  { return "video/mp4" }
func (f *fakeItem) Format() string                                    { return f.format }
func (f *fakeItem) Open(resource.ByteRange) (io.ReadCloser, error)    { return nil, fs.ErrNotExist }
func (f *fakeItem) OpenThumbnail() (io.ReadCloser, int64, error)      { return nil, 0, fs.ErrNotExist }
func (f *fakeItem) OpenSubtitles() (io.ReadCloser, int64, error)      { return nil, 0, fs.ErrNotExist }
func (f *fakeItem) ToDidl(*config.RendererProfile, string) string {
	return fmt.Sprintf(`<item id="%s"><dc:title>%s</dc:title></item>`, f.id, f.name)
}

// fakeTree serves a single flat container of items and records bookmark
// writes.
type fakeTree struct {
	items         []resource.Resource
	bookmarks     map[string]int
	bookmarkCalls int
}

func newFakeTree(count int) *fakeTree {
	t := &fakeTree{bookmarks: map[string]int{}}
	for i := 0; i < count; i++ {
		t.items = append(t.items, &fakeItem{
			id:     fmt.Sprintf("0$%d", i+1),
			name:   fmt.Sprintf("Movie %02d", i+1),
			format: "mp4",
		})
	}
	return t
}

func (t *fakeTree) Resolve(id string, _ *config.RendererProfile) (resource.Resource, bool) {
	if id == resource.RootID {
		return &fakeItem{id: resource.RootID, name: "root"}, true
	}
	for _, item := range t.items {
		if item.ID() == id {
			return item, true
		}
	}
	return nil, false
}

func (t *fakeTree) Children(objectID string, _ bool, start, count int, _ *config.RendererProfile, _ string) ([]resource.Resource, int, error) {
	if objectID != resource.RootID {
		return nil, 0, nil
	}
	total := len(t.items)
	if start >= total {
		return nil, total, nil
	}
	end := total
	if count > 0 && start+count < end {
		end = start + count
	}
	return t.items[start:end], total, nil
}

func (t *fakeTree) SetBookmark(objectID string, positionSeconds int, _ string) error {
	t.bookmarkCalls++
	t.bookmarks[objectID] = positionSeconds
	return nil
}

func (t *fakeTree) GetBookmark(objectID string) int { return t.bookmarks[objectID] }

func testDispatcher(t *testing.T, tree resource.Tree) (*Dispatcher, *updateid.Counter) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	counter := updateid.NewCounter(db, clock.NewMock(), 300*time.Millisecond)
	cfg := config.DefaultConfig()

	d := NewDispatcher(cfg, tree, counter)
	t.Cleanup(d.Close)
	return d, counter
}

func genericRecognition() profile.Recognition {
	return profile.Recognition{Profile: &config.RendererProfile{Name: "Generic UPnP", SupportsSearch: true}}
}

func browseArgs(objectID string, start, count int) soap.Args {
	return soap.Args{
		"ObjectID":       objectID,
		"BrowseFlag":     "BrowseDirectChildren",
		"StartingIndex":  fmt.Sprintf("%d", start),
		"RequestedCount": fmt.Sprintf("%d", count),
	}
}

func TestBrowsePagination(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(25))

	out, upnpErr := d.Dispatch(ActionBrowse, browseArgs("0", 10, 10), genericRecognition(), "http://x/ums/media/generic")
	require.Nil(t, upnpErr)

	body := string(out)
	assert.Contains(t, body, "<NumberReturned>10</NumberReturned>")
	assert.Contains(t, body, "<TotalMatches>25</TotalMatches>")
	// the page starts at the 11th child
	assert.Contains(t, body, "Movie 11")
	assert.NotContains(t, body, "Movie 10")
	assert.NotContains(t, body, "Movie 21")
}

func TestBrowseMetadataAlwaysTotalsOne(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(25))

	args := browseArgs("0$3", 0, 0)
	args["BrowseFlag"] = "BrowseMetadata"
	out, upnpErr := d.Dispatch(ActionBrowse, args, genericRecognition(), "http://x/ums/media/generic")
	require.Nil(t, upnpErr)

	body := string(out)
	assert.Contains(t, body, "<NumberReturned>1</NumberReturned>")
	assert.Contains(t, body, "<TotalMatches>1</TotalMatches>")
	assert.Contains(t, body, "Movie 03")
}

func TestBrowseExcludesIncompatibleFormats(t *testing.T) {
	tree := newFakeTree(5)
	tree.items[0].(*fakeItem).format = "mkv"
	tree.items[1].(*fakeItem).format = "mkv"
	d, _ := testDispatcher(t, tree)

	recog := profile.Recognition{Profile: &config.RendererProfile{
		Name:             "Picky TV",
		SupportedFormats: []string{"mp4"},
	}}

	out, upnpErr := d.Dispatch(ActionBrowse, browseArgs("0", 0, 10), recog, "http://x/ums/media/picky")
	require.Nil(t, upnpErr)

	body := string(out)
	assert.Contains(t, body, "<NumberReturned>3</NumberReturned>")
	assert.Contains(t, body, "<TotalMatches>3</TotalMatches>", "excluded items leave the total")
}

func TestBrowseDeferredTotalsMode(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(25))

	recog := profile.Recognition{Profile: &config.RendererProfile{
		Name:           "Eager TV",
		DeferredTotals: true,
	}}

	out, upnpErr := d.Dispatch(ActionBrowse, browseArgs("0", 10, 10), recog, "http://x/ums/media/eager")
	require.Nil(t, upnpErr)

	// over-reported total keeps the renderer paging
	assert.Contains(t, string(out), "<TotalMatches>21</TotalMatches>")

	out, upnpErr = d.Dispatch(ActionBrowse, browseArgs("0", 30, 10), recog, "http://x/ums/media/eager")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "<TotalMatches>30</TotalMatches>", "an empty page reports the starting index")
}

func TestGetSystemUpdateID(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(1))

	out, upnpErr := d.Dispatch(ActionGetSystemUpdateID, soap.Args{}, genericRecognition(), "")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "<Id>0</Id>")
}

func TestSearchCapabilitiesSuppressedByProfile(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(1))

	recog := profile.Recognition{Profile: &config.RendererProfile{Name: "No Search"}}
	out, upnpErr := d.Dispatch(ActionGetSearchCapabilities, soap.Args{}, recog, "")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "<SearchCaps></SearchCaps>")

	out, upnpErr = d.Dispatch(ActionGetSearchCapabilities, soap.Args{}, genericRecognition(), "")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "dc:title")
}

func TestSetBookmarkZeroIsNoOp(t *testing.T) {
	tree := newFakeTree(3)
	d, _ := testDispatcher(t, tree)

	out, upnpErr := d.Dispatch(ActionSetBookmark, soap.Args{
		"ObjectID":  "0$1",
		"PosSecond": "0",
	}, genericRecognition(), "")
	require.Nil(t, upnpErr)

	assert.Zero(t, tree.bookmarkCalls, "a zero position must not write")
	assert.Contains(t, string(out), "X_SetBookmarkResponse")
}

func TestSetBookmarkPersistsNonZero(t *testing.T) {
	tree := newFakeTree(3)
	d, _ := testDispatcher(t, tree)

	_, upnpErr := d.Dispatch(ActionSetBookmark, soap.Args{
		"ObjectID":  "0$1",
		"PosSecond": "95",
	}, genericRecognition(), "")
	require.Nil(t, upnpErr)

	assert.Equal(t, 1, tree.bookmarkCalls)
	assert.Equal(t, 95, tree.bookmarks["0$1"])
}

func TestVirtualContainerResolution(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(4))

	// Xbox music id 4 resolves onto the root with synthesized criteria
	out, upnpErr := d.Dispatch(ActionBrowse, browseArgs("4", 0, 10), genericRecognition(), "http://x/ums/media/generic")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "<NumberReturned>")
}

func TestUnknownActionRejected(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(1))

	_, upnpErr := d.Dispatch("DestroyObject", soap.Args{}, genericRecognition(), "")
	require.NotNil(t, upnpErr)
	assert.Equal(t, 401, upnpErr.Code)
}

func TestUnknownObjectIDYieldsEmptyResult(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(3))

	args := browseArgs("no-such-id", 0, 10)
	args["BrowseFlag"] = "BrowseMetadata"
	out, upnpErr := d.Dispatch(ActionBrowse, args, genericRecognition(), "")
	require.Nil(t, upnpErr)
	assert.Contains(t, string(out), "<NumberReturned>0</NumberReturned>")
}

func TestGetFeatureList(t *testing.T) {
	d, _ := testDispatcher(t, newFakeTree(1))

	out, upnpErr := d.Dispatch(ActionGetFeatureList, soap.Args{}, genericRecognition(), "")
	require.Nil(t, upnpErr)
	body := string(out)
	assert.Contains(t, body, "X_GetFeatureListResponse")
	assert.True(t, strings.Contains(body, "samsung.com.ARTIST"))
}
