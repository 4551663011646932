package cot

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ridcot/internal/odid"
)

// ErrMissingGeolocation reports that a record carries no usable position and
// therefore produces no event.
var ErrMissingGeolocation = errors.New("missing geolocation")

// UnknownSentinel is the public "unknown value" literal expected by
// downstream consumers for accuracy and altitude fields. It is distinct from
// the NaN sentinel used internally during decode and must be preserved
// exactly.
const UnknownSentinel = "9999999.0"

// unknownBasicID is used when a record has no decoded BasicID block.
const unknownBasicID = "Unknown-BasicID_0"

// Config is the translator configuration, validated once at startup.
type Config struct {
	StaleSeconds       int
	Access             string
	HostID             string
	UASType            string
	OperatorType       string
	SensorType         string
	DefaultSensorID    string
	DefaultPayloadType string
}

// Provenance is the sensor metadata from the enclosing message envelope, not
// from the binary payload.
type Provenance struct {
	SensorID    string
	RSSI        string
	Channel     string
	Timestamp   string
	MACAddress  string
	PayloadType string
}

// SensorStatus is a status report with its position resolved (from the
// report itself, the position cache, or a GPS fix). Unknown numeric values
// are NaN.
type SensorStatus struct {
	SensorID string
	Lat      float64
	Lon      float64
	AltHAE   float64
	Speed    float64
	Model    string
	State    string
}

// UASEvent maps a decoded record to the UAS position event. It returns
// ErrMissingGeolocation when the Location block holds no usable coordinates.
func UASEvent(rec *odid.Record, prov Provenance, cfg Config, now time.Time) (*Event, error) {
	if math.IsNaN(rec.Latitude) || math.IsNaN(rec.Longitude) {
		return nil, ErrMissingGeolocation
	}

	uasID := basicID(rec)
	opID := operatorID(rec, uasID)

	ev := newEvent("RID."+uasID+".uas", cfg.UASType, now, cfg)
	ev.Point = Point{
		Lat: decimal(rec.Latitude),
		Lon: decimal(rec.Longitude),
		CE:  accuracy(rec, rec.HorizAccuracy),
		LE:  accuracy(rec, rec.VertAccuracy),
		HAE: altitude(rec.AltitudeGeo),
	}

	ev.Detail = Detail{
		Contact: &Contact{Callsign: uasID},
		Link: &Link{
			UID:            "RID." + opID + ".op",
			ProductionTime: cotTime(now),
			Type:           cfg.OperatorType,
			ParentCallsign: opID,
			Relation:       "p-p",
		},
		CUAS: &VendorExtension{
			SensorID:    valueOr(prov.SensorID, cfg.DefaultSensorID),
			RSSI:        prov.RSSI,
			Channel:     prov.Channel,
			Timestamp:   prov.Timestamp,
			MACAddress:  prov.MACAddress,
			PayloadType: valueOr(prov.PayloadType, cfg.DefaultPayloadType),
			HostID:      cfg.HostID,
			RIDOperator: opID,
			RIDUAS:      uasID,
		},
		Remarks: remarks(fmt.Sprintf("UAS: %s", uasID), fmt.Sprintf("Operator: %s", opID), cfg.HostID),
	}
	if !math.IsNaN(rec.SpeedHorizontal) {
		ev.Detail.Track = &Track{Speed: decimal(rec.SpeedHorizontal)}
	}

	return ev, nil
}

// OperatorEvent maps a decoded record to the operator position event. It
// returns ErrMissingGeolocation when the System block holds no usable
// operator coordinates.
func OperatorEvent(rec *odid.Record, cfg Config, now time.Time) (*Event, error) {
	if math.IsNaN(rec.OperatorLatitude) || math.IsNaN(rec.OperatorLongitude) {
		return nil, ErrMissingGeolocation
	}

	uasID := basicID(rec)
	opID := operatorID(rec, uasID)

	ev := newEvent("RID."+uasID+".op", cfg.OperatorType, now, cfg)
	ev.Point = Point{
		Lat: decimal(rec.OperatorLatitude),
		Lon: decimal(rec.OperatorLongitude),
		CE:  accuracy(rec, rec.HorizAccuracy),
		LE:  accuracy(rec, rec.VertAccuracy),
		HAE: altitude(rec.OperatorAltitudeGeo),
	}

	ev.Detail = Detail{
		Contact: &Contact{Callsign: opID},
		CUAS: &VendorExtension{
			HostID:      cfg.HostID,
			RIDOperator: opID,
			RIDUAS:      uasID,
		},
		Remarks: remarks(fmt.Sprintf("UAS ID=%s OperatorID=%s", uasID, opID), cfg.HostID),
	}

	return ev, nil
}

// SensorStatusEvent maps a resolved status report to a sensor presence
// event. A report whose position could not be resolved yields
// ErrMissingGeolocation; such reports are useless to downstream consumers
// without a map position and are dropped by the caller.
func SensorStatusEvent(status SensorStatus, cfg Config, now time.Time) (*Event, error) {
	if math.IsNaN(status.Lat) || math.IsNaN(status.Lon) {
		return nil, ErrMissingGeolocation
	}

	sensorID := valueOr(status.SensorID, cfg.DefaultSensorID)

	ev := newEvent("CUAS."+sensorID, cfg.SensorType, now, cfg)
	ev.Point = Point{
		Lat: decimal(status.Lat),
		Lon: decimal(status.Lon),
		CE:  UnknownSentinel,
		LE:  UnknownSentinel,
		HAE: altitude(status.AltHAE),
	}

	ev.Detail = Detail{
		Contact: &Contact{Callsign: sensorID},
		CUAS: &VendorExtension{
			SensorID: sensorID,
			HostID:   cfg.HostID,
		},
		Remarks: remarks(
			fmt.Sprintf("C-UAS Sensor %s", sensorID),
			strings.TrimSpace(fmt.Sprintf("%s %s", status.Model, status.State)),
			cfg.HostID,
		),
	}
	if !math.IsNaN(status.Speed) {
		ev.Detail.Track = &Track{Speed: decimal(status.Speed)}
	}

	return ev, nil
}

func basicID(rec *odid.Record) string {
	if rec.Valid.BasicID0 || rec.Valid.BasicID1 {
		return rec.BasicID
	}
	return unknownBasicID
}

func operatorID(rec *odid.Record, fallback string) string {
	if rec.Valid.OperatorID {
		return rec.OperatorID
	}
	return fallback
}

// decimal formats a value as an exact decimal string, keeping a trailing
// ".0" on whole numbers the way the sensor wire format does.
func decimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// accuracy serializes a Location-block accuracy category, or the public
// unknown sentinel when no Location block was decoded.
func accuracy(rec *odid.Record, v int) string {
	if !rec.Valid.Location {
		return UnknownSentinel
	}
	return strconv.Itoa(v)
}

// altitude serializes an altitude, mapping the internal NaN sentinel to the
// public unknown sentinel.
func altitude(v float64) string {
	if math.IsNaN(v) {
		return UnknownSentinel
	}
	return decimal(v)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func remarks(fields ...string) string {
	kept := fields[:0:0]
	for _, f := range fields {
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}
