// Package odid decodes the fixed-layout Open Drone ID blob produced by
// Remote ID sensors. Each optional block (BasicID, Location, SelfID, System,
// OperatorID, authentication pages) is gated by a validity flag read from the
// tail of the blob; blocks are decoded in a fixed order and later blocks win
// on field collision.
package odid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrTruncatedPayload reports a blob too short to carry the requested blocks.
var ErrTruncatedPayload = errors.New("truncated payload")

// ValidBlocks holds the validity flags read from bytes 892-913 of the blob.
// Only a byte equal to exactly 1 marks a block as present.
type ValidBlocks struct {
	BasicID0   bool
	BasicID1   bool
	Location   bool
	SelfID     bool
	System     bool
	OperatorID bool
	Auth       [MaxAuthPages]bool
}

// ClockTime is the Location block timestamp, seconds past the hour broken
// into minute/second/hundredths.
type ClockTime struct {
	Minute     int
	Second     int
	Hundredths int
}

// Auth is the reassembled multi-page authentication block.
type Auth struct {
	DataPage      int
	Type          int
	LastPageIndex int
	Length        int
	Timestamp     time.Time
	// Pages maps page index to hex-encoded authentication data. The final
	// page carries (Length-17) mod 23 bytes, all other pages after page 0
	// carry 23, page 0 carries 17.
	Pages map[int]string
}

// Record is the merged result of decoding one UASdata blob.
type Record struct {
	Valid ValidBlocks

	// BasicID (slot 1 overwrites slot 0 when both are valid).
	UAType  int
	IDType  int
	BasicID string

	// Location.
	Status          int
	Direction       float64
	SpeedHorizontal float64
	SpeedVertical   float64
	Latitude        float64
	Longitude       float64
	AltitudeBaro    float64
	AltitudeGeo     float64
	HeightType      int
	Height          float64
	HorizAccuracy   int
	VertAccuracy    int
	BaroAccuracy    int
	SpeedAccuracy   int
	TSAccuracy      int
	LocationTime    *ClockTime

	// SelfID.
	DescType    int
	Description string

	// System.
	OperatorLocationType int
	ClassificationType   int
	OperatorLatitude     float64
	OperatorLongitude    float64
	AreaCount            int
	AreaRadius           int
	AreaCeiling          float64
	AreaFloor            float64
	CategoryEU           int
	ClassEU              int
	OperatorAltitudeGeo  float64
	SystemTimestampRaw   uint32
	SystemTimestamp      time.Time

	// OperatorID.
	OperatorIDType int
	OperatorID     string

	Auth Auth
}

// DecodeValidBlocks reads the validity bitmap from the tail of the blob.
func DecodeValidBlocks(payload []byte) (ValidBlocks, error) {
	var vb ValidBlocks
	if len(payload) < MinPayloadLen {
		return vb, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncatedPayload, len(payload), MinPayloadLen)
	}
	vb.BasicID0 = payload[validFlagsStart] == 1
	vb.BasicID1 = payload[validFlagsStart+1] == 1
	vb.Location = payload[validFlagsStart+2] == 1
	for p := 0; p < MaxAuthPages; p++ {
		vb.Auth[p] = payload[validFlagsStart+3+p] == 1
	}
	vb.SelfID = payload[911] == 1
	vb.System = payload[912] == 1
	vb.OperatorID = payload[913] == 1
	return vb, nil
}

// ParsePayload decodes every block whose validity flag is set and merges the
// results into one Record. Decode order is fixed: BasicID0, BasicID1,
// Location, SelfID, System, OperatorID, then authentication pages 0..15.
// Authentication page assembly state is scoped to this call.
func ParsePayload(payload []byte, vb ValidBlocks) (*Record, error) {
	if len(payload) < MinPayloadLen {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncatedPayload, len(payload), MinPayloadLen)
	}

	rec := &Record{
		Valid:     vb,
		Direction: math.NaN(), SpeedHorizontal: math.NaN(), SpeedVertical: math.NaN(),
		Latitude: math.NaN(), Longitude: math.NaN(),
		AltitudeBaro: math.NaN(), AltitudeGeo: math.NaN(), Height: math.NaN(),
		OperatorLatitude: math.NaN(), OperatorLongitude: math.NaN(),
		AreaCeiling: math.NaN(), AreaFloor: math.NaN(), OperatorAltitudeGeo: math.NaN(),
	}

	if vb.BasicID0 {
		rec.decodeBasicID(payload, basicID0Start)
	}
	if vb.BasicID1 {
		rec.decodeBasicID(payload, basicID1Start)
	}
	if vb.Location {
		rec.decodeLocation(payload)
	}
	if vb.SelfID {
		rec.decodeSelfID(payload)
	}
	if vb.System {
		rec.decodeSystem(payload)
	}
	if vb.OperatorID {
		rec.decodeOperatorID(payload)
	}

	asm := newAuthAssembly()
	for p := 0; p < MaxAuthPages; p++ {
		if vb.Auth[p] {
			rec.decodeAuthPage(payload, p, asm)
		}
	}

	return rec, nil
}

func (r *Record) decodeBasicID(payload []byte, start int) {
	r.UAType = int(binary.LittleEndian.Uint32(payload[start:]))
	r.IDType = int(binary.LittleEndian.Uint32(payload[start+4:]))
	id := payload[start+8 : start+8+21]
	if r.IDType == 1 || r.IDType == 2 {
		r.BasicID = trimNUL(id)
	} else {
		r.BasicID = hex.EncodeToString(id)
	}
}

func (r *Record) decodeLocation(payload []byte) {
	start := locationStart

	r.Status = int(binary.LittleEndian.Uint32(payload[start:]))
	r.Direction = rangeOrNaN(f32(payload, start+4), 0, 360)
	r.SpeedHorizontal = rangeOrNaN(f32(payload, start+8), 0, 254.25)
	r.SpeedVertical = rangeOrNaN(f32(payload, start+12), -62, 62)
	r.Latitude = coordOrNaN(f64(payload, start+16), 90)
	r.Longitude = coordOrNaN(f64(payload, start+24), 180)
	r.AltitudeBaro = altOrNaN(f32(payload, start+32))
	r.AltitudeGeo = altOrNaN(f32(payload, start+36))
	r.HeightType = int(binary.LittleEndian.Uint32(payload[start+40:]))
	r.Height = altOrNaN(f32(payload, start+44))
	r.HorizAccuracy = int(binary.LittleEndian.Uint32(payload[start+48:]))
	r.VertAccuracy = int(binary.LittleEndian.Uint32(payload[start+52:]))
	r.BaroAccuracy = int(binary.LittleEndian.Uint32(payload[start+56:]))
	r.SpeedAccuracy = int(binary.LittleEndian.Uint32(payload[start+60:]))
	r.TSAccuracy = int(binary.LittleEndian.Uint32(payload[start+64:]))

	// Seconds past the hour; only values in (0, 3600] are meaningful.
	ts := f32(payload, start+68)
	if !math.IsNaN(ts) && ts > 0 && ts <= 60*60 {
		r.LocationTime = &ClockTime{
			Minute:     int(ts / 60),
			Second:     int(ts) % 60,
			Hundredths: int(100 * (ts - math.Trunc(ts))),
		}
	}
}

func (r *Record) decodeSelfID(payload []byte) {
	start := selfIDStart
	r.DescType = int(binary.LittleEndian.Uint32(payload[start:]))
	r.Description = trimNUL(payload[start+4 : start+4+23])
}

func (r *Record) decodeSystem(payload []byte) {
	start := systemStart

	r.OperatorLocationType = int(binary.LittleEndian.Uint32(payload[start:]))
	r.ClassificationType = int(binary.LittleEndian.Uint32(payload[start+4:]))
	r.OperatorLatitude = coordOrNaN(f64(payload, start+8), 90)
	r.OperatorLongitude = coordOrNaN(f64(payload, start+16), 180)
	r.AreaCount = int(binary.LittleEndian.Uint16(payload[start+24:]))
	r.AreaRadius = int(binary.LittleEndian.Uint16(payload[start+26:]))

	ceiling := f32(payload, start+28)
	if ceiling == -1000 {
		ceiling = math.NaN()
	}
	r.AreaCeiling = ceiling
	floor := f32(payload, start+32)
	if floor == -1000 {
		floor = math.NaN()
	}
	r.AreaFloor = floor

	r.CategoryEU = int(binary.LittleEndian.Uint32(payload[start+36:]))
	r.ClassEU = int(binary.LittleEndian.Uint32(payload[start+40:]))
	r.OperatorAltitudeGeo = altOrNaN(f32(payload, start+44))

	r.SystemTimestampRaw = binary.LittleEndian.Uint32(payload[start+48:])
	r.SystemTimestamp = remoteIDTime(r.SystemTimestampRaw)
}

func (r *Record) decodeOperatorID(payload []byte) {
	start := operatorIDStart
	r.OperatorIDType = int(binary.LittleEndian.Uint32(payload[start:]))
	r.OperatorID = trimNUL(payload[start+4 : start+4+20])
}

// remoteIDTime converts a Remote ID epoch timestamp to absolute UTC.
// A raw value of 0 means "timestamp absent" and maps to the zero time.
func remoteIDTime(raw uint32) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	return time.Unix(int64(raw)+remoteIDEpoch, 0).UTC()
}

func f32(payload []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[off:])))
}

func f64(payload []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
}

// rangeOrNaN replaces values outside [lo, hi] with NaN.
func rangeOrNaN(v, lo, hi float64) float64 {
	if v < lo || v > hi {
		return math.NaN()
	}
	return v
}

// coordOrNaN applies the coordinate sentinel policy: exactly 0.0 means
// "no fix" and is invalid, as is anything outside +/-limit.
func coordOrNaN(v, limit float64) float64 {
	if v == 0.0 || v > limit || v < -limit {
		return math.NaN()
	}
	return v
}

// altOrNaN applies the shared altitude/height validity range.
func altOrNaN(v float64) float64 {
	if v <= -1000.0 || v > 31767.5 {
		return math.NaN()
	}
	return v
}

func trimNUL(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
