package streaming

import (
	"strconv"
	"strings"
	"time"

	"ums-dlna/work/resource"
)

// poisonThreshold marks a byte bound as garbage. Some renderer firmwares
// send astronomically large range values; honoring them corrupts the range
// math, so any bound at or past 100 GB is dropped as if never sent.
const poisonThreshold int64 = 100 * 1024 * 1024 * 1024

// ParseByteRange parses a Range header value of the form "bytes=low-high"
// with either end open. The second return is false when the header names no
// usable range.
func ParseByteRange(header string) (resource.ByteRange, bool) {
	rng := resource.ByteRange{Low: 0, High: -1}

	header = strings.TrimSpace(header)
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return rng, false
	}

	// only the first range of a multi-range header is honored
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		spec = spec[:idx]
	}

	lowStr, highStr, ok := strings.Cut(spec, "-")
	if !ok {
		return rng, false
	}

	haveAny := false
	if lowStr = strings.TrimSpace(lowStr); lowStr != "" {
		low, err := strconv.ParseInt(lowStr, 10, 64)
		if err == nil && low >= 0 && low < poisonThreshold {
			rng.Low = low
			haveAny = true
		}
	}
	if highStr = strings.TrimSpace(highStr); highStr != "" {
		high, err := strconv.ParseInt(highStr, 10, 64)
		if err == nil && high >= 0 && high < poisonThreshold {
			rng.High = high
			haveAny = true
		}
	}

	if rng.High >= 0 && rng.Low > rng.High {
		return resource.ByteRange{Low: 0, High: -1}, false
	}
	return rng, haveAny
}

// ParseTimeSeek parses a TimeSeekRange.dlna.org request header of the form
// "npt=<start>-<end>" where each bound is either seconds with optional
// fraction or h:mm:ss.mmm. A missing end means "to the end".
func ParseTimeSeek(header string) (resource.TimeRange, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "npt=")
	if !ok {
		return resource.TimeRange{}, false
	}
	// strip any instance-duration suffix ("start-end/duration")
	if idx := strings.IndexByte(spec, '/'); idx >= 0 {
		spec = spec[:idx]
	}

	startStr, endStr, _ := strings.Cut(spec, "-")
	start, ok := parseNPT(startStr)
	if !ok {
		return resource.TimeRange{}, false
	}

	tr := resource.TimeRange{Start: start, End: -1}
	if endStr != "" {
		if end, ok := parseNPT(endStr); ok && end >= start {
			tr.End = end
		}
	}
	return tr, true
}

// parseNPT parses a normal-play-time value: "ss.mmm" or "h:mm:ss.mmm".
func parseNPT(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		secs, err := strconv.ParseFloat(parts[0], 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	case 3:
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		secs, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || secs < 0 {
			return 0, false
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		return d + time.Duration(secs*float64(time.Second)), true
	}
	return 0, false
}

// FormatNPT renders a duration as h:mm:ss.mmm, the form DLNA seek headers
// use.
func FormatNPT(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	var b strings.Builder
	b.Grow(13)
	b.WriteString(strconv.FormatInt(ms/3600000, 10))
	b.WriteByte(':')
	writePadded(&b, (ms%3600000)/60000)
	b.WriteByte(':')
	writePadded(&b, (ms%60000)/1000)
	b.WriteByte('.')
	frac := ms % 1000
	if frac < 100 {
		b.WriteByte('0')
	}
	if frac < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatInt(frac, 10))
	return b.String()
}

func writePadded(b *strings.Builder, v int64) {
	if v < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatInt(v, 10))
}
