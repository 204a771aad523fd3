package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Args is an ordered-irrelevant bag of SOAP action arguments. Outbound calls
// render them as child elements; inbound bodies and responses decode into
// them.
type Args map[string]string

const (
	envelopeHeader = `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"` +
		` s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`
	envelopeFooter = `</s:Body></s:Envelope>`
)

// UPnPError is the structured fault a device returns for a failed control
// action. Code follows the UPnP error table (401 invalid action, 501 action
// failed / not implemented, 7xx service-specific).
type UPnPError struct {
	Code        int
	Description string
}

func (e *UPnPError) Error() string {
	return fmt.Sprintf("UPnP error %d: %s", e.Code, e.Description)
}

// BuildActionCall renders a complete SOAP envelope invoking one action on a
// service. Argument order is stabilized so the output is deterministic for
// tests and logs.
func BuildActionCall(serviceType, action string, args Args) []byte {
	var b bytes.Buffer
	b.WriteString(envelopeHeader)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, serviceType)

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, escape(args[k]), k)
	}

	fmt.Fprintf(&b, `</u:%s>`, action)
	b.WriteString(envelopeFooter)
	return b.Bytes()
}

// BuildActionResponse renders a SOAP envelope wrapping an <ActionResponse>
// element, the shape every ContentDirectory reply takes.
func BuildActionResponse(serviceType, action string, args Args, ordered []string) []byte {
	var b bytes.Buffer
	b.WriteString(envelopeHeader)
	fmt.Fprintf(&b, `<u:%sResponse xmlns:u="%s">`, action, serviceType)

	// honor the caller's element ordering when given; UPnP argument lists
	// are positional in some renderers' parsers
	keys := ordered
	if len(keys) == 0 {
		keys = make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, escape(args[k]), k)
	}

	fmt.Fprintf(&b, `</u:%sResponse>`, action)
	b.WriteString(envelopeFooter)
	return b.Bytes()
}

// BuildFault renders a SOAP fault envelope carrying a UPnPError detail.
func BuildFault(upnpErr *UPnPError) []byte {
	var b bytes.Buffer
	b.WriteString(envelopeHeader)
	fmt.Fprintf(&b,
		`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>`+
			`<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0">`+
			`<errorCode>%d</errorCode><errorDescription>%s</errorDescription>`+
			`</UPnPError></detail></s:Fault>`,
		upnpErr.Code, escape(upnpErr.Description))
	b.WriteString(envelopeFooter)
	return b.Bytes()
}

// DecodeActionBody extracts the action name and flat argument map from an
// inbound SOAP request body. The action element is the first child of Body;
// its children become the argument map (nested structure is flattened into
// character data).
func DecodeActionBody(body []byte) (string, Args, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	action, err := seekBodyChild(decoder)
	if err != nil {
		return "", nil, err
	}

	args, err := decodeArgs(decoder, action)
	if err != nil {
		return "", nil, err
	}
	return action.Name.Local, args, nil
}

// DecodeActionResponse extracts the argument map from a device's SOAP
// response to an outbound action call. A SOAP fault decodes into a UPnPError.
func DecodeActionResponse(body []byte) (Args, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	first, err := seekBodyChild(decoder)
	if err != nil {
		return nil, err
	}

	if first.Name.Local == "Fault" {
		return nil, decodeFault(decoder, first)
	}

	return decodeArgs(decoder, first)
}

// seekBodyChild advances the decoder past the Envelope and Body elements and
// returns the first element inside Body.
func seekBodyChild(decoder *xml.Decoder) (xml.StartElement, error) {
	depth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, fmt.Errorf("soap: no action element in body")
			}
			return xml.StartElement{}, fmt.Errorf("soap: malformed envelope: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			// Envelope is depth 1, Body depth 2, the action element depth 3
			if depth == 3 {
				return t, nil
			}
			if depth == 1 && t.Name.Local != "Envelope" {
				return xml.StartElement{}, fmt.Errorf("soap: unexpected root element %q", t.Name.Local)
			}
			if depth == 2 && t.Name.Local != "Body" {
				// skip Header or other siblings wholesale
				if err := decoder.Skip(); err != nil {
					return xml.StartElement{}, fmt.Errorf("soap: malformed envelope: %w", err)
				}
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
}

// decodeArgs consumes the children of the given action element into a flat
// map of element name to character data.
func decodeArgs(decoder *xml.Decoder, action xml.StartElement) (Args, error) {
	args := Args{}
	var current string
	var text strings.Builder
	depth := 0

	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("soap: malformed action %s: %w", action.Name.Local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				current = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth >= 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				// closed the action element itself
				return args, nil
			}
			if depth == 1 && current != "" {
				args[current] = text.String()
				current = ""
			}
			depth--
		}
	}
}

// faultDetail mirrors the UPnPError element inside a SOAP fault detail.
type faultDetail struct {
	ErrorCode        int    `xml:"detail>UPnPError>errorCode"`
	ErrorDescription string `xml:"detail>UPnPError>errorDescription"`
}

// decodeFault decodes the remainder of a Fault element into a UPnPError.
func decodeFault(decoder *xml.Decoder, start xml.StartElement) error {
	var detail faultDetail
	if err := decoder.DecodeElement(&detail, &start); err != nil {
		return fmt.Errorf("soap: malformed fault: %w", err)
	}
	return &UPnPError{Code: detail.ErrorCode, Description: detail.ErrorDescription}
}

func escape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
