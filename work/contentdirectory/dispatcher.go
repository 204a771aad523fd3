package contentdirectory

import (
	"fmt"
	"strconv"
	"strings"

	"ums-dlna/work/config"
	"ums-dlna/work/didl"
	"ums-dlna/work/logger"
	"ums-dlna/work/metrics"
	"ums-dlna/work/profile"
	"ums-dlna/work/resource"
	"ums-dlna/work/soap"
	"ums-dlna/work/updateid"

	"github.com/dgraph-io/ristretto/v2"
)

// ServiceType is the ContentDirectory service urn announced in the device
// description and echoed in every SOAP response.
const ServiceType = "urn:schemas-upnp-org:service:ContentDirectory:1"

// Supported action names.
const (
	ActionBrowse                = "Browse"
	ActionSearch                = "Search"
	ActionGetSystemUpdateID     = "GetSystemUpdateID"
	ActionGetSortCapabilities   = "GetSortCapabilities"
	ActionGetSearchCapabilities = "GetSearchCapabilities"
	ActionSetBookmark           = "X_SetBookmark"
	ActionGetFeatureList        = "X_GetFeatureList"
)

const (
	sortCapabilities   = "dc:title,dc:date,upnp:class"
	searchCapabilities = "dc:title,upnp:class,upnp:artist,upnp:album"
)

// errInvalidAction is returned for action names outside the service's
// declared set.
var errInvalidAction = &soap.UPnPError{Code: 401, Description: "Invalid Action"}

// browseResult is a cached, fully-assembled Browse/Search outcome.
type browseResult struct {
	didlDoc  string
	returned int
	total    int
}

// Dispatcher turns one decoded ContentDirectory SOAP action into its
// response envelope. It is stateless per request; shared state lives in the
// resource tree, the update counter, and a short-lived browse cache that
// absorbs the repeated identical Browse calls some renderers fire while
// scrolling.
type Dispatcher struct {
	cfg     *config.Config
	tree    resource.Tree
	counter *updateid.Counter
	cache   *ristretto.Cache[string, browseResult]
}

// NewDispatcher wires the dispatcher to its collaborators. Cache sizing
// comes from configuration; a zero entry budget disables caching.
func NewDispatcher(cfg *config.Config, tree resource.Tree, counter *updateid.Counter) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		tree:    tree,
		counter: counter,
	}

	if cfg.BrowseCacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, browseResult]{
			NumCounters: int64(cfg.BrowseCacheEntries) * 10,
			MaxCost:     int64(cfg.BrowseCacheEntries),
			BufferItems: 64,
		})
		if err != nil {
			logger.Warn("{contentdirectory - NewDispatcher} Browse cache disabled: %v", err)
		} else {
			d.cache = cache
		}
	}

	return d
}

// Close releases the browse cache.
func (d *Dispatcher) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
}

// Dispatch executes one action and returns the SOAP response envelope.
// urlBase is the renderer-scoped media URL prefix res elements point at.
func (d *Dispatcher) Dispatch(action string, args soap.Args, recog profile.Recognition, urlBase string) ([]byte, *soap.UPnPError) {
	metrics.SoapActions.WithLabelValues(action).Inc()

	switch action {
	case ActionGetSystemUpdateID:
		return soap.BuildActionResponse(ServiceType, action, soap.Args{
			"Id": strconv.FormatInt(d.counter.Get(), 10),
		}, []string{"Id"}), nil

	case ActionGetSortCapabilities:
		return soap.BuildActionResponse(ServiceType, action, soap.Args{
			"SortCaps": sortCapabilities,
		}, []string{"SortCaps"}), nil

	case ActionGetSearchCapabilities:
		caps := searchCapabilities
		if recog.Profile != nil && !recog.Profile.SupportsSearch {
			caps = ""
		}
		return soap.BuildActionResponse(ServiceType, action, soap.Args{
			"SearchCaps": caps,
		}, []string{"SearchCaps"}), nil

	case ActionSetBookmark:
		return d.setBookmark(args)

	case ActionGetFeatureList:
		return soap.BuildActionResponse(ServiceType, action, soap.Args{
			"FeatureList": featureList,
		}, []string{"FeatureList"}), nil

	case ActionBrowse, ActionSearch:
		return d.browse(action, args, recog, urlBase)
	}

	logger.Warn("{contentdirectory - Dispatch} Rejecting unknown action %s", action)
	return nil, errInvalidAction
}

// featureList is the static Samsung feature document: one root container
// per basic media type, all mapped onto the real root.
const featureList = `<Features xmlns="urn:schemas-upnp-org:av:avs"` +
	` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"` +
	` xsi:schemaLocation="urn:schemas-upnp-org:av:avs http://www.upnp.org/schemas/av/avs.xsd">` +
	`<Feature name="samsung.com.ARTIST" version="1">` +
	`<objectIDs>0</objectIDs></Feature>` +
	`<Feature name="FP:1" version="1">` +
	`<objectIDs>0</objectIDs></Feature>` +
	`</Features>`

// setBookmark stores a playback resume position. A submitted position of
// exactly zero is a spurious early notification from the renderer and is
// acknowledged without a write.
func (d *Dispatcher) setBookmark(args soap.Args) ([]byte, *soap.UPnPError) {
	objectID := args["ObjectID"]
	position, _ := strconv.Atoi(args["PosSecond"])

	if position != 0 {
		if err := d.tree.SetBookmark(objectID, position, args["RID"]); err != nil {
			logger.Warn("{contentdirectory - setBookmark} Failed to store bookmark for %s: %v", objectID, err)
		}
	}

	return soap.BuildActionResponse(ServiceType, ActionSetBookmark, soap.Args{}, nil), nil
}

// browse implements Browse and Search.
func (d *Dispatcher) browse(action string, args soap.Args, recog profile.Recognition, urlBase string) ([]byte, *soap.UPnPError) {
	objectID, criteria := d.resolveTarget(action, args)
	metadataOnly := args["BrowseFlag"] == "BrowseMetadata"
	start, _ := strconv.Atoi(args["StartingIndex"])
	count, _ := strconv.Atoi(args["RequestedCount"])

	// the update id is read once and reused for both the cache key and the
	// response, so a cached reply never pairs stale results with a fresh id
	updateID := d.counter.Get()

	var result browseResult
	cacheKey := d.browseKey(action, objectID, criteria, recog, start, count, metadataOnly, updateID)
	if cached, ok := d.cacheGet(cacheKey); ok {
		result = cached
	} else {
		var upnpErr *soap.UPnPError
		result, upnpErr = d.assemble(action, objectID, criteria, metadataOnly, start, count, recog, urlBase)
		if upnpErr != nil {
			return nil, upnpErr
		}
		d.cachePut(cacheKey, result)
	}

	return soap.BuildActionResponse(ServiceType, action, soap.Args{
		"Result":         result.didlDoc,
		"NumberReturned": strconv.Itoa(result.returned),
		"TotalMatches":   strconv.Itoa(result.total),
		"UpdateID":       strconv.FormatInt(updateID, 10),
	}, []string{"Result", "NumberReturned", "TotalMatches", "UpdateID"}), nil
}

// resolveTarget picks the browse target: the ObjectID argument, then
// ContainerID, then the virtual-container quirk table, then the root.
// Search carries its own criteria; virtual containers synthesize theirs.
func (d *Dispatcher) resolveTarget(action string, args soap.Args) (string, string) {
	objectID := args["ObjectID"]
	if objectID == "" {
		objectID = args["ContainerID"]
	}

	criteria := ""
	if action == ActionSearch {
		criteria = args["SearchCriteria"]
	}

	if vc, ok := virtualContainers[objectID]; ok {
		objectID = vc.targetID
		if criteria == "" {
			criteria = vc.criteria
		}
	}

	if objectID == "" {
		objectID = resource.RootID
	}
	return objectID, criteria
}

// assemble runs the core browse algorithm and renders the DIDL document.
func (d *Dispatcher) assemble(action, objectID, criteria string, metadataOnly bool, start, count int, recog profile.Recognition, urlBase string) (browseResult, *soap.UPnPError) {
	p := recog.Profile

	if metadataOnly {
		res, ok := d.tree.Resolve(objectID, p)
		if !ok {
			// unknown object id degrades to an empty result, not a fault
			return browseResult{didlDoc: didl.Envelope(nil), returned: 0, total: 1}, nil
		}
		return browseResult{
			didlDoc:  didl.Envelope([]string{res.ToDidl(p, urlBase)}),
			returned: 1,
			total:    1,
		}, nil
	}

	directOnly := action == ActionBrowse
	page, total, err := d.tree.Children(objectID, directOnly, start, count, p, criteria)
	if err != nil {
		logger.Warn("{contentdirectory - assemble} Child listing of %s failed: %v", objectID, err)
		return browseResult{didlDoc: didl.Envelope(nil)}, nil
	}

	if criteria != "" {
		page = filterByName(page, criteria)
	}

	if p != nil && p.FlattenedResults && len(page) > 0 {
		flattened, flatTotal, err := d.tree.Children(page[0].ID(), true, 0, 0, p, "")
		if err == nil {
			page = flattened
			total = flatTotal
		}
	}

	// children of a transcode-options folder are never filtered: every
	// option must stay visible for the user to pick from
	checkCompat := !strings.HasPrefix(objectID, resource.TranscodeFolderID)

	fragments := make([]string, 0, len(page))
	excluded := 0
	for _, res := range page {
		if checkCompat && !resource.Compatible(res, p) {
			excluded++
			continue
		}
		if frag := res.ToDidl(p, urlBase); frag != "" {
			fragments = append(fragments, frag)
		}
	}

	result := browseResult{
		didlDoc:  didl.Envelope(fragments),
		returned: len(fragments),
	}

	switch {
	case p != nil && p.DeferredTotals:
		// totals are not knowable before per-item metainfo resolves;
		// over-report so the renderer keeps asking for pages instead of
		// stopping at the first one
		if result.returned > 0 {
			result.total = start + count + 1
		} else {
			result.total = start
		}
	default:
		result.total = total - excluded
	}

	return result, nil
}

// filterByName post-filters a result page against the criteria's free-text
// term. Trees that already honored the criteria pass through unchanged.
func filterByName(page []resource.Resource, criteria string) []resource.Resource {
	term := freeTextTerm(criteria)
	if term == "" {
		return page
	}
	out := page[:0]
	for _, res := range page {
		if strings.Contains(strings.ToLower(res.Name()), term) {
			out = append(out, res)
		}
	}
	return out
}

// freeTextTerm extracts the quoted text of a title/artist clause, if any.
func freeTextTerm(criteria string) string {
	for _, prop := range []string{"dc:title", "upnp:artist"} {
		idx := strings.Index(criteria, prop)
		if idx < 0 {
			continue
		}
		rest := criteria[idx:]
		open := strings.Index(rest, `"`)
		if open < 0 {
			continue
		}
		rest = rest[open+1:]
		end := strings.Index(rest, `"`)
		if end < 0 {
			continue
		}
		return strings.ToLower(rest[:end])
	}
	return ""
}

func (d *Dispatcher) browseKey(action, objectID, criteria string, recog profile.Recognition, start, count int, metadataOnly bool, updateID int64) string {
	name := ""
	if recog.Profile != nil {
		name = recog.Profile.Name
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%t|%d", action, objectID, criteria, name, start, count, metadataOnly, updateID)
}

func (d *Dispatcher) cacheGet(key string) (browseResult, bool) {
	if d.cache == nil {
		return browseResult{}, false
	}
	return d.cache.Get(key)
}

func (d *Dispatcher) cachePut(key string, result browseResult) {
	if d.cache == nil {
		return
	}
	d.cache.SetWithTTL(key, result, 1, d.cfg.BrowseCacheTTL)
}
