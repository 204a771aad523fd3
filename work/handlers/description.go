package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"ums-dlna/work/didl"
	"ums-dlna/work/logger"
	"ums-dlna/work/profile"
	"ums-dlna/work/soap"
)

// HandleDeviceDescription serves the root device document renderers fetch
// after discovery.
func HandleDeviceDescription(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		fmt.Fprintf(w, deviceDescriptionTemplate,
			didl.EscapeXML(s.Cfg.FriendlyName),
			s.Cfg.ServerUUID)
	}
}

const deviceDescriptionTemplate = `<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0" xmlns:dlna="urn:schemas-dlna-org:device-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<device>
<dlna:X_DLNADOC xmlns:dlna="urn:schemas-dlna-org:device-1-0">DMS-1.50</dlna:X_DLNADOC>
<deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
<friendlyName>%s</friendlyName>
<manufacturer>UMS</manufacturer>
<modelName>ums-dlna</modelName>
<UDN>uuid:%s</UDN>
<iconList>
<icon><mimetype>image/png</mimetype><width>48</width><height>48</height><depth>24</depth><url>/icon.png</url></icon>
</iconList>
<serviceList>
<service>
<serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
<serviceId>urn:upnp-org:serviceId:ContentDirectory</serviceId>
<SCPDURL>/ContentDirectory/desc</SCPDURL>
<controlURL>/ContentDirectory/action</controlURL>
<eventSubURL>/ContentDirectory/event</eventSubURL>
</service>
<service>
<serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
<serviceId>urn:upnp-org:serviceId:ConnectionManager</serviceId>
<SCPDURL>/ContentDirectory/desc</SCPDURL>
<controlURL>/ContentDirectory/action</controlURL>
<eventSubURL>/ContentDirectory/event</eventSubURL>
</service>
</serviceList>
</device>
</root>
`

// HandleServiceDescription serves the ContentDirectory SCPD.
func HandleServiceDescription(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Write([]byte(serviceDescription))
}

const serviceDescription = `<?xml version="1.0" encoding="utf-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<actionList>
<action><name>Browse</name></action>
<action><name>Search</name></action>
<action><name>GetSystemUpdateID</name></action>
<action><name>GetSortCapabilities</name></action>
<action><name>GetSearchCapabilities</name></action>
<action><name>X_SetBookmark</name></action>
<action><name>X_GetFeatureList</name></action>
</actionList>
<serviceStateTable>
<stateVariable sendEvents="yes"><name>SystemUpdateID</name><dataType>ui4</dataType></stateVariable>
<stateVariable sendEvents="yes"><name>ContainerUpdateIDs</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="yes"><name>TransferIDs</name><dataType>string</dataType></stateVariable>
</serviceStateTable>
</scpd>
`

// HandleAction decodes one ContentDirectory SOAP call and writes the
// dispatcher's response envelope.
func HandleAction(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		action, args, err := soap.DecodeActionBody(body)
		if err != nil {
			logger.Warn("{handlers - HandleAction} Undecodable SOAP body from %s: %v", r.RemoteAddr, err)
			http.Error(w, "bad soap body", http.StatusBadRequest)
			return
		}

		// the SOAPACTION header names the action authoritatively; fall back
		// to the body element when absent
		if header := soapActionName(r.Header.Get("SOAPACTION")); header != "" {
			action = header
		}

		recog := s.RecognitionFrom(r)
		urlBase := fmt.Sprintf("%s/ums/media/%s", s.Cfg.BaseURL, rendererPathID(recog))

		response, upnpErr := s.Dispatcher.Dispatch(action, args, recog, urlBase)
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		if upnpErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(soap.BuildFault(upnpErr))
			return
		}
		w.Write(response)
	}
}

// soapActionName extracts the action from a SOAPACTION header value of the
// form "urn:...:service:ContentDirectory:1#Browse".
func soapActionName(header string) string {
	header = strings.Trim(header, `"`)
	if idx := strings.LastIndexByte(header, '#'); idx >= 0 {
		return header[idx+1:]
	}
	return ""
}

// rendererPathID picks the identity segment embedded in generated media
// URLs. Recognized renderers get their profile slug; the rest share the
// default bucket.
func rendererPathID(recog profile.Recognition) string {
	if recog.Profile == nil || recog.Profile.Name == "" {
		return "default"
	}
	slug := strings.ToLower(recog.Profile.Name)
	return strings.ReplaceAll(slug, " ", "-")
}
