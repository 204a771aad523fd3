package didl

import (
	"encoding/xml"
	"strings"
)

// envelopeOpen/envelopeClose wrap concatenated object fragments into the
// standard DIDL-Lite document renderers expect in Browse/Search results.
const (
	envelopeOpen = `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"` +
		` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
		` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"` +
		` xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/">`
	envelopeClose = `</DIDL-Lite>`
)

// Resource is a playable representation of an object: a URI plus the
// protocolInfo renderers use for format negotiation.
type Resource struct {
	XMLName      xml.Name `xml:"res"`
	ProtocolInfo string   `xml:"protocolInfo,attr"`
	Size         uint64   `xml:"size,attr,omitempty"`
	Bitrate      uint     `xml:"bitrate,attr,omitempty"`
	Duration     string   `xml:"duration,attr,omitempty"`
	Resolution   string   `xml:"resolution,attr,omitempty"`
	URL          string   `xml:",chardata"`
}

// Object carries the attributes and elements shared by containers and items.
type Object struct {
	ID         string `xml:"id,attr"`
	ParentID   string `xml:"parentID,attr"`
	Restricted int    `xml:"restricted,attr"` // indicates whether the object is modifiable
	Title      string `xml:"dc:title"`
	Class      string `xml:"upnp:class"`
	Artist     string `xml:"upnp:artist,omitempty"`
	Album      string `xml:"upnp:album,omitempty"`
	Genre      string `xml:"upnp:genre,omitempty"`
	Date       string `xml:"dc:date,omitempty"`
	AlbumArt   string `xml:"upnp:albumArtURI,omitempty"`
}

// Container is a browsable node holding children.
type Container struct {
	Object
	XMLName    xml.Name `xml:"container"`
	ChildCount int      `xml:"childCount,attr"`
	Searchable int      `xml:"searchable,attr"`
}

// Item is a leaf object with one or more playable resources.
type Item struct {
	Object
	XMLName xml.Name `xml:"item"`
	Res     []Resource
}

// MarshalFragment renders a single container or item as its DIDL-Lite XML
// fragment, without the surrounding envelope.
func MarshalFragment(v interface{}) (string, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Envelope concatenates pre-rendered object fragments inside the DIDL-Lite
// document element.
func Envelope(fragments []string) string {
	var b strings.Builder
	b.Grow(len(envelopeOpen) + len(envelopeClose) + fragmentsLen(fragments))
	b.WriteString(envelopeOpen)
	for _, f := range fragments {
		b.WriteString(f)
	}
	b.WriteString(envelopeClose)
	return b.String()
}

func fragmentsLen(fragments []string) int {
	n := 0
	for _, f := range fragments {
		n += len(f)
	}
	return n
}

// EscapeXML escapes a string for embedding inside an XML text node or
// attribute. Used when DIDL documents are nested as text inside SOAP
// responses.
func EscapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
