// Package cot builds Cursor on Target events from decoded Remote ID records
// and sensor status reports.
package cot

import (
	"encoding/xml"
	"fmt"
	"time"
)

// XMLDeclaration is the header expected by TAK consumers on every event.
const XMLDeclaration = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`

// cotTimeLayout matches the ISO-8601 timestamp form used on the TAK network.
const cotTimeLayout = "2006-01-02T15:04:05.000000Z"

// Event is one CoT event document.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	How     string   `xml:"how,attr"`
	Access  string   `xml:"access,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

// Point carries the event position. Values are pre-formatted strings so the
// public "9999999.0" unknown sentinel survives serialization bit-for-bit.
type Point struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
	HAE string `xml:"hae,attr"`
}

// Detail is the event detail block.
type Detail struct {
	Contact *Contact         `xml:"contact,omitempty"`
	Track   *Track           `xml:"track,omitempty"`
	Link    *Link            `xml:"link,omitempty"`
	CUAS    *VendorExtension `xml:"__cuas,omitempty"`
	Remarks string           `xml:"remarks"`
}

// Contact names the event on tactical clients.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// Track carries ground speed in m/s.
type Track struct {
	Speed string `xml:"speed,attr"`
}

// Link relates this event to another uid, e.g. a UAS to its operator.
type Link struct {
	UID            string `xml:"uid,attr"`
	ProductionTime string `xml:"production_time,attr"`
	Type           string `xml:"type,attr"`
	ParentCallsign string `xml:"parent_callsign,attr"`
	Relation       string `xml:"relation,attr"`
}

// VendorExtension is the __cuas element carrying sensor provenance and
// related Remote ID identifiers.
type VendorExtension struct {
	SensorID    string `xml:"sensor_id,attr,omitempty"`
	RSSI        string `xml:"rssi,attr,omitempty"`
	Channel     string `xml:"channel,attr,omitempty"`
	Timestamp   string `xml:"timestamp,attr,omitempty"`
	MACAddress  string `xml:"mac_address,attr,omitempty"`
	PayloadType string `xml:"type,attr,omitempty"`
	HostID      string `xml:"host_id,attr,omitempty"`
	RIDOperator string `xml:"rid_op,attr,omitempty"`
	RIDUAS      string `xml:"rid_uas,attr,omitempty"`
}

// newEvent fills the attributes common to every produced event.
func newEvent(uid, cotType string, now time.Time, cfg Config) *Event {
	ts := cotTime(now)
	return &Event{
		Version: "2.0",
		UID:     uid,
		Type:    cotType,
		Time:    ts,
		Start:   ts,
		Stale:   cotTime(now.Add(time.Duration(cfg.StaleSeconds) * time.Second)),
		How:     "m-g",
		Access:  cfg.Access,
	}
}

// Marshal serializes the event as an XML document with the leading
// declaration, ready for the TAK wire.
func (e *Event) Marshal() ([]byte, error) {
	body, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cot event: %w", err)
	}
	return append([]byte(XMLDeclaration+"\n"), body...), nil
}

func cotTime(t time.Time) string {
	return t.UTC().Format(cotTimeLayout)
}
