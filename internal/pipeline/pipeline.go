// Package pipeline drives the decode-and-translate flow: bus messages are
// framed into JSON objects, dispatched by kind (position, data, status),
// decoded or cached, and translated into CoT events on the egress queue.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ridcot/internal/cache"
	"ridcot/internal/cot"
	"ridcot/internal/framing"
	"ridcot/internal/gps"
	"ridcot/internal/odid"
)

// ErrUnsupportedProtocol reports a data message with a protocol version
// other than "1.0". Such messages are silently discarded.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// supportedProtocol is the only sensor wire protocol version understood by
// the decoder.
const supportedProtocol = "1.0"

// InboundMessage is one raw message from the bus transport.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// FixSource yields a last-resort sensor position; see the gps package.
type FixSource interface {
	Fix(ctx context.Context) (gps.Fix, error)
}

// Config carries the pipeline's runtime options.
type Config struct {
	Cot       cot.Config
	QueueSize int
}

// queueItem is one record on the internal queue: either a decoded UASdata
// record or a sensor status, never both.
type queueItem struct {
	uas    *uasItem
	status *statusItem
}

type uasItem struct {
	rec  *odid.Record
	prov cot.Provenance
}

type statusItem struct {
	status cot.SensorStatus
}

// Pipeline wires framer, decoder, position cache and translator between the
// inbound transport and the egress queue.
type Pipeline struct {
	cfg       Config
	logger    *logrus.Logger
	positions *cache.Positions
	fixes     FixSource

	in       chan InboundMessage
	internal chan queueItem
	out      chan []byte

	// abort makes the shutdown drain give up. Cancelling ctx alone never
	// drops an accepted item; only Abort does.
	abort     chan struct{}
	abortOnce sync.Once
}

// New creates a pipeline. fixes may be nil to disable the GPS fallback for
// status reports.
func New(cfg Config, fixes FixSource, logger *logrus.Logger) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    logger,
		positions: cache.NewPositions(),
		fixes:     fixes,
		in:        make(chan InboundMessage, cfg.QueueSize),
		internal:  make(chan queueItem, cfg.QueueSize),
		out:       make(chan []byte, cfg.QueueSize),
		abort:     make(chan struct{}),
	}
}

// In is the inbound queue fed by the bus transport.
func (p *Pipeline) In() chan<- InboundMessage { return p.in }

// Events is the egress queue of serialized CoT events. It is closed once the
// pipeline has drained after cancellation.
func (p *Pipeline) Events() <-chan []byte { return p.out }

// Abort makes the shutdown drain discard instead of block. It is for the
// case where the egress consumer is gone and a clean drain can never finish.
func (p *Pipeline) Abort() {
	p.abortOnce.Do(func() { close(p.abort) })
}

// Run processes messages until ctx is cancelled, then drains both queues so
// no accepted item is lost. It returns after the egress queue is closed.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.internal)
		for {
			select {
			case <-ctx.Done():
				p.drainIn()
				return
			case msg, ok := <-p.in:
				if !ok {
					return
				}
				p.handleMessage(msg)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.out)
		for item := range p.internal {
			p.translate(item)
		}
	}()

	wg.Wait()
}

// drainIn processes whatever the inbound queue still buffers at shutdown.
// Messages the transport accepted must reach the egress queue.
func (p *Pipeline) drainIn() {
	for {
		select {
		case <-p.abort:
			return
		case msg, ok := <-p.in:
			if !ok {
				return
			}
			p.handleMessage(msg)
		default:
			return
		}
	}
}

// handleMessage frames one bus message and dispatches each JSON object it
// carries. Framing failures drop the message but keep any objects framed
// before the failure point.
func (p *Pipeline) handleMessage(msg InboundMessage) {
	messagesReceived.Inc()

	objects, err := framing.Frame(msg.Payload, msg.Topic)
	if err != nil {
		framingErrors.Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic":       msg.Topic,
			"payload_len": len(msg.Payload),
		}).Warn("Dropping unframeable message")
	}

	for _, obj := range objects {
		p.dispatch(obj)
	}
}

// dispatch classifies one framed object. Objects with an unknown shape are
// discarded silently.
func (p *Pipeline) dispatch(obj framing.Object) {
	switch {
	case strings.Contains(obj.Topic, "position"):
		p.handlePosition(obj)
	case obj.Fields["data"] != nil:
		p.handleData(obj)
	case obj.Fields["status"] != nil:
		p.handleStatus(obj)
	default:
		messagesDropped.WithLabelValues("unknown_shape").Inc()
		p.logger.WithField("topic", obj.Topic).Debug("Discarding object of unknown shape")
	}
}

// handlePosition replaces the cached position for the reporting sensor. No
// output is produced.
func (p *Pipeline) handlePosition(obj framing.Object) {
	sensor := sensorFromTopic(obj.Topic)
	if sensor == "" {
		messagesDropped.WithLabelValues("no_sensor_id").Inc()
		return
	}

	lat, haveLat := numberField(obj.Fields, "lat")
	lon, haveLon := numberField(obj.Fields, "lon")

	pos := cache.SensorPosition{
		SensorID: sensor,
		Lat:      lat,
		Lon:      lon,
		AltHAE:   numberOrNaN(obj.Fields, "altHAE"),
		AltMSL:   numberOrNaN(obj.Fields, "altMSL"),
		Alt:      numberOrNaN(obj.Fields, "alt"),
		Track:    numberOrNaN(obj.Fields, "track"),
		MagTrack: numberOrNaN(obj.Fields, "magtrack"),
		Speed:    numberOrNaN(obj.Fields, "speed"),
		HasFix:   haveLat && haveLon,
	}
	p.positions.Update(pos)

	p.logger.WithFields(logrus.Fields{
		"sensor": sensor,
		"lat":    pos.Lat,
		"lon":    pos.Lon,
	}).Debug("Updated sensor position")
}

// handleData decodes a UASdata payload and queues the merged record together
// with its envelope provenance.
func (p *Pipeline) handleData(obj framing.Object) {
	if proto := protocolString(obj.Fields["protocol"]); proto != supportedProtocol {
		messagesDropped.WithLabelValues("unsupported_protocol").Inc()
		p.logger.WithError(ErrUnsupportedProtocol).WithFields(logrus.Fields{
			"topic":    obj.Topic,
			"protocol": proto,
		}).Debug("Discarding data message")
		return
	}

	data, _ := obj.Fields["data"].(map[string]any)
	encoded := stringField(data, "UASdata")
	if encoded == "" {
		messagesDropped.WithLabelValues("no_uasdata").Inc()
		return
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		messagesDropped.WithLabelValues("bad_base64").Inc()
		p.logger.WithError(err).WithField("topic", obj.Topic).Warn("UASdata is not valid base64")
		return
	}

	vb, err := odid.DecodeValidBlocks(payload)
	if err != nil {
		p.dropDecodeFailure(obj.Topic, len(payload), err)
		return
	}
	rec, err := odid.ParsePayload(payload, vb)
	if err != nil {
		p.dropDecodeFailure(obj.Topic, len(payload), err)
		return
	}
	recordsDecoded.Inc()

	item := queueItem{uas: &uasItem{
		rec: rec,
		prov: cot.Provenance{
			SensorID:    stringField(data, "sensor_id"),
			RSSI:        stringField(data, "RSSI"),
			Channel:     stringField(data, "channel"),
			Timestamp:   stringField(data, "timestamp"),
			MACAddress:  stringField(data, "MAC address"),
			PayloadType: stringField(data, "type"),
		},
	}}
	p.enqueue(item)
}

func (p *Pipeline) dropDecodeFailure(topic string, payloadLen int, err error) {
	messagesDropped.WithLabelValues("decode_failure").Inc()
	p.logger.WithError(err).WithFields(logrus.Fields{
		"topic":       topic,
		"payload_len": payloadLen,
	}).Warn("Failed to decode UASdata payload")
}

// handleStatus left-joins the cached position for the reporting sensor and
// queues the status. Fields on the status message win over cached values.
func (p *Pipeline) handleStatus(obj framing.Object) {
	sensor := sensorFromTopic(obj.Topic)

	status := cot.SensorStatus{
		SensorID: sensor,
		Lat:      math.NaN(),
		Lon:      math.NaN(),
		AltHAE:   math.NaN(),
		Speed:    math.NaN(),
	}

	if pos, ok := p.positions.Get(sensor); ok && pos.HasFix {
		status.Lat = pos.Lat
		status.Lon = pos.Lon
		status.AltHAE = pos.AltHAE
		status.Speed = pos.Speed
	}
	if lat, ok := numberField(obj.Fields, "lat"); ok {
		status.Lat = lat
	}
	if lon, ok := numberField(obj.Fields, "lon"); ok {
		status.Lon = lon
	}
	if alt, ok := numberField(obj.Fields, "altHAE"); ok {
		status.AltHAE = alt
	}

	if details, ok := obj.Fields["status"].(map[string]any); ok {
		status.Model = stringField(details, "model")
		status.State = stringField(details, "status")
	}

	p.enqueue(queueItem{status: &statusItem{status: status}})
}

// enqueue blocks until the internal queue accepts the item; backpressure is
// preferred over dropping. The translator keeps consuming through shutdown,
// so this only gives up on Abort.
func (p *Pipeline) enqueue(item queueItem) {
	select {
	case p.internal <- item:
	case <-p.abort:
		messagesDropped.WithLabelValues("aborted").Inc()
	}
}

// translate turns one queued item into zero or more serialized CoT events.
// A UASdata record yields up to two events (UAS and operator), a status
// yields at most one.
func (p *Pipeline) translate(item queueItem) {
	now := time.Now().UTC()

	switch {
	case item.uas != nil:
		if ev, err := cot.UASEvent(item.uas.rec, item.uas.prov, p.cfg.Cot, now); err == nil {
			p.emit(ev, "uas")
		} else {
			messagesDropped.WithLabelValues("uas_no_position").Inc()
		}
		if ev, err := cot.OperatorEvent(item.uas.rec, p.cfg.Cot, now); err == nil {
			p.emit(ev, "operator")
		} else {
			messagesDropped.WithLabelValues("operator_no_position").Inc()
		}

	case item.status != nil:
		status := item.status.status
		if (math.IsNaN(status.Lat) || math.IsNaN(status.Lon)) && p.fixes != nil {
			// The fix source carries its own deadline, so this stays bounded
			// even during shutdown.
			if fix, err := p.fixes.Fix(context.Background()); err == nil {
				status.Lat = fix.Lat
				status.Lon = fix.Lon
				status.AltHAE = fix.AltHAE
			}
		}
		if ev, err := cot.SensorStatusEvent(status, p.cfg.Cot, now); err == nil {
			p.emit(ev, "sensor_status")
		} else {
			messagesDropped.WithLabelValues("status_no_position").Inc()
			p.logger.WithField("sensor", status.SensorID).Debug("Dropping status with no resolvable position")
		}
	}
}

// emit blocks until the egress queue accepts the event. Items accepted by
// the pipeline are never dropped by cancellation alone, only by Abort.
func (p *Pipeline) emit(ev *cot.Event, kind string) {
	out, err := ev.Marshal()
	if err != nil {
		p.logger.WithError(err).WithField("uid", ev.UID).Error("Failed to serialize CoT event")
		return
	}

	select {
	case p.out <- out:
		eventsEmitted.WithLabelValues(kind).Inc()
	case <-p.abort:
		messagesDropped.WithLabelValues("aborted").Inc()
	}
}

// sensorFromTopic extracts the sensor identifier: the third slash-delimited
// topic segment.
func sensorFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return ""
	}
	return segments[2]
}

// protocolString coerces the protocol field to its literal string form, so
// the JSON number 1.0 and the string "1.0" compare equal.
func protocolString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

func stringField(fields map[string]any, key string) string {
	switch value := fields[key].(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

func numberField(fields map[string]any, key string) (float64, bool) {
	switch value := fields[key].(type) {
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return math.NaN(), false
		}
		return f, true
	case float64:
		return value, true
	default:
		return math.NaN(), false
	}
}

func numberOrNaN(fields map[string]any, key string) float64 {
	v, ok := numberField(fields, key)
	if !ok {
		return math.NaN()
	}
	return v
}
