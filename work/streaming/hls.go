package streaming

import (
	"fmt"
	"time"

	"ums-dlna/work/resource"

	"github.com/grafov/m3u8"
)

// hlsSegmentSeconds is the nominal segment length advertised in generated
// manifests.
const hlsSegmentSeconds = 10

// BuildManifest renders a VOD media playlist for a resource with a known
// duration. Segment URIs are relative to the manifest location.
func BuildManifest(res resource.Resource) ([]byte, error) {
	dur := res.Duration()
	if dur <= 0 {
		return nil, fmt.Errorf("resource %s has no duration, cannot build manifest", res.ID())
	}

	segCount := int(dur / (hlsSegmentSeconds * time.Second))
	remainder := dur - time.Duration(segCount)*hlsSegmentSeconds*time.Second
	capacity := uint(segCount)
	if remainder > 0 {
		capacity++
	}

	playlist, err := m3u8.NewMediaPlaylist(capacity, capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create media playlist: %w", err)
	}
	playlist.MediaType = m3u8.VOD

	for i := 0; i < segCount; i++ {
		if err := playlist.Append(fmt.Sprintf("segment-%d.ts", i), hlsSegmentSeconds, ""); err != nil {
			return nil, fmt.Errorf("failed to append segment %d: %w", i, err)
		}
	}
	if remainder > 0 {
		if err := playlist.Append(fmt.Sprintf("segment-%d.ts", segCount), remainder.Seconds(), ""); err != nil {
			return nil, fmt.Errorf("failed to append tail segment: %w", err)
		}
	}

	playlist.Close()
	return playlist.Encode().Bytes(), nil
}

// SegmentRange maps a segment ordinal onto the byte span covering its share
// of the resource. The mapping is proportional; exact segment boundaries
// belong to the transcode engine, which is out of reach here.
func SegmentRange(res resource.Resource, index int) (resource.ByteRange, bool) {
	dur := res.Duration()
	total := res.Length()
	if dur <= 0 || total <= 0 || index < 0 {
		return resource.ByteRange{}, false
	}

	segCount := int((dur + hlsSegmentSeconds*time.Second - 1) / (hlsSegmentSeconds * time.Second))
	if index >= segCount {
		return resource.ByteRange{}, false
	}

	low := total * int64(index) / int64(segCount)
	high := total*int64(index+1)/int64(segCount) - 1
	if high >= total {
		high = total - 1
	}
	return resource.ByteRange{Low: low, High: high}, true
}
