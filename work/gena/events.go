package gena

import (
	"encoding/xml"
	"fmt"

	"ums-dlna/work/logger"
)

// propertySet is the outer GENA NOTIFY body. AVTransport and
// RenderingControl both deliver their state through a single LastChange
// property whose value is an escaped XML document.
type propertySet struct {
	XMLName    xml.Name `xml:"propertyset"`
	Properties []struct {
		LastChange string `xml:"LastChange"`
	} `xml:"property"`
}

// lastChangeEvent is the inner document carried inside LastChange. Every
// state variable arrives as a child element of an InstanceID, its value in
// a val attribute.
type lastChangeEvent struct {
	XMLName   xml.Name `xml:"Event"`
	Instances []struct {
		Val       string `xml:"val,attr"`
		Variables []variableElement `xml:",any"`
	} `xml:"InstanceID"`
}

type variableElement struct {
	XMLName xml.Name
	Val     string `xml:"val,attr"`
}

// InstanceUpdate is one InstanceID worth of state variable changes pulled
// out of a LastChange event.
type InstanceUpdate struct {
	InstanceID string
	Variables  map[string]string
}

// ParseLastChange decodes a GENA NOTIFY body into per-instance variable
// maps. A body with no LastChange property yields an empty slice, not an
// error; other services event plain properties we do not track.
func ParseLastChange(body []byte) ([]InstanceUpdate, error) {
	var set propertySet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse propertyset: %w", err)
	}

	var updates []InstanceUpdate
	for _, prop := range set.Properties {
		if prop.LastChange == "" {
			continue
		}

		var event lastChangeEvent
		if err := xml.Unmarshal([]byte(prop.LastChange), &event); err != nil {
			return nil, fmt.Errorf("failed to parse LastChange document: %w", err)
		}

		for _, inst := range event.Instances {
			instanceID := inst.Val
			if instanceID == "" {
				instanceID = "0"
			}
			vars := make(map[string]string, len(inst.Variables))
			for _, v := range inst.Variables {
				vars[v.XMLName.Local] = v.Val
			}
			updates = append(updates, InstanceUpdate{InstanceID: instanceID, Variables: vars})
		}
	}

	return updates, nil
}

// HandleNotify applies a delivered NOTIFY body to the owning renderer's
// records. Malformed bodies are logged and dropped; a bad event never
// disturbs existing record state.
func (m *Manager) HandleNotify(identity string, body []byte) {
	updates, err := ParseLastChange(body)
	if err != nil {
		logger.Warn("{gena - HandleNotify} Dropping malformed event from %s: %v", identity, err)
		return
	}

	for _, update := range updates {
		rec := m.registry.GetOrCreate(identity, update.InstanceID)
		rec.SetStateVariables(update.Variables)
		if logger.IsDebug() {
			logger.Debug("{gena - HandleNotify} Applied %d variable(s) to %s/%s", len(update.Variables), identity, update.InstanceID)
		}
	}
}
