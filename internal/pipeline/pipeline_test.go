package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridcot/internal/cot"
	"ridcot/internal/gps"
	"ridcot/internal/odid"
)

var testCotConfig = cot.Config{
	StaleSeconds:       120,
	Access:             "Undefined",
	HostID:             "ridcot@test",
	UASType:            "a-u-A-M-H-Q",
	OperatorType:       "a-u-G",
	SensorType:         "a-f-G-E-S-E",
	DefaultSensorID:    "ridcot-test",
	DefaultPayloadType: "Unknown-Sensor-Payload-Type",
}

// buildBlob assembles a minimal UASdata fixture with BasicID slot 0 and
// Location valid, optionally with a System block carrying an operator
// position.
func buildBlob(withSystem bool) []byte {
	b := make([]byte, odid.MinPayloadLen)

	b[892] = 1 // BasicID0 valid
	binary.LittleEndian.PutUint32(b[0:], 2)
	binary.LittleEndian.PutUint32(b[4:], 1)
	copy(b[8:], "TESTUAS123")

	b[894] = 1 // Location valid
	binary.LittleEndian.PutUint32(b[64:], 2)
	binary.LittleEndian.PutUint32(b[68:], math.Float32bits(90.0))       // direction
	binary.LittleEndian.PutUint32(b[72:], math.Float32bits(10.5))       // horizontal speed
	binary.LittleEndian.PutUint64(b[80:], math.Float64bits(37.75))      // latitude
	binary.LittleEndian.PutUint64(b[88:], math.Float64bits(-122.45))    // longitude
	binary.LittleEndian.PutUint32(b[100:], math.Float32bits(150.0))     // geo altitude
	binary.LittleEndian.PutUint32(b[112:], 10)                          // horiz accuracy
	binary.LittleEndian.PutUint32(b[116:], 4)                           // vert accuracy

	if withSystem {
		b[912] = 1
		binary.LittleEndian.PutUint64(b[816:], math.Float64bits(37.751))
		binary.LittleEndian.PutUint64(b[824:], math.Float64bits(-122.451))
		binary.LittleEndian.PutUint32(b[852:], math.Float32bits(5.0))
	}

	return b
}

func dataMessage(t *testing.T, blob []byte) []byte {
	t.Helper()
	msg := fmt.Sprintf(
		`{"protocol":"1.0","data":{"UASdata":%q,"sensor_id":"S1","RSSI":-85,"channel":6,"type":"WiFi beacon"}}`,
		base64.StdEncoding.EncodeToString(blob),
	)
	return []byte(msg)
}

// runPipeline starts a pipeline and returns it with a stop function that
// cancels it and waits for the egress queue to close.
func runPipeline(t *testing.T, fixes FixSource) (*Pipeline, context.CancelFunc) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	p := New(Config{Cot: testCotConfig, QueueSize: 16}, fixes, logger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return p, cancel
}

func collectEvent(t *testing.T, p *Pipeline) cot.Event {
	t.Helper()

	select {
	case raw, ok := <-p.Events():
		require.True(t, ok, "egress queue closed early")
		var ev cot.Event
		require.NoError(t, xml.Unmarshal(raw, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CoT event")
		return cot.Event{}
	}
}

func TestPipelineDataMessage(t *testing.T) {
	p, _ := runPipeline(t, nil)

	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: dataMessage(t, buildBlob(true))}

	uasEv := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", uasEv.UID)
	assert.Equal(t, "a-u-A-M-H-Q", uasEv.Type)
	assert.Equal(t, "37.75", uasEv.Point.Lat)
	assert.Equal(t, "-122.45", uasEv.Point.Lon)
	assert.Equal(t, "10", uasEv.Point.CE)
	assert.Equal(t, "150.0", uasEv.Point.HAE)

	opEv := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.op", opEv.UID)
	assert.Equal(t, "a-u-G", opEv.Type)
	assert.Equal(t, "37.751", opEv.Point.Lat)
}

func TestPipelineDataWithoutSystemYieldsOneEvent(t *testing.T) {
	p, _ := runPipeline(t, nil)

	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: dataMessage(t, buildBlob(false))}
	uasEv := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", uasEv.UID)

	// Prove the operator event was dropped: the next emitted event comes
	// from a later message (FIFO ordering is guaranteed end to end).
	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: dataMessage(t, buildBlob(true))}
	next := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", next.UID)
}

func TestPipelineUnsupportedProtocol(t *testing.T) {
	p, _ := runPipeline(t, nil)

	payload := []byte(`{"protocol":"2.0","data":{"UASdata":"AAAA"}}`)
	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: payload}

	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: dataMessage(t, buildBlob(false))}
	ev := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", ev.UID)
}

func TestPipelineProtocolNumberLiteral(t *testing.T) {
	// The producing firmware sometimes emits protocol as the JSON number
	// 1.0; it must compare equal to "1.0" after coercion.
	p, _ := runPipeline(t, nil)

	blob := base64.StdEncoding.EncodeToString(buildBlob(false))
	payload := []byte(fmt.Sprintf(`{"protocol":1.0,"data":{"UASdata":%q}}`, blob))
	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: payload}

	ev := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", ev.UID)
}

func TestPipelineStatusUsesCachedPosition(t *testing.T) {
	p, _ := runPipeline(t, nil)

	position := []byte(`{"lat":37.7599,"lon":-122.4977,"altHAE":28.0,"speed":0.5}`)
	p.In() <- InboundMessage{Topic: "uas/position/S1", Payload: position}

	status := []byte(`{"status":{"model":"rid-sniffer","status":"online"}}`)
	p.In() <- InboundMessage{Topic: "uas/status/S1", Payload: status}

	ev := collectEvent(t, p)
	assert.Equal(t, "CUAS.S1", ev.UID)
	assert.Equal(t, "a-f-G-E-S-E", ev.Type)
	assert.Equal(t, "37.7599", ev.Point.Lat)
	assert.Equal(t, "-122.4977", ev.Point.Lon)
	assert.Equal(t, "28.0", ev.Point.HAE)
}

func TestPipelineStatusInlinePositionWins(t *testing.T) {
	p, _ := runPipeline(t, nil)

	p.In() <- InboundMessage{Topic: "uas/position/S1", Payload: []byte(`{"lat":1.0,"lon":2.0}`)}

	status := []byte(`{"status":{"model":"m"},"lat":9.5,"lon":8.5}`)
	p.In() <- InboundMessage{Topic: "uas/status/S1", Payload: status}

	ev := collectEvent(t, p)
	assert.Equal(t, "9.5", ev.Point.Lat)
	assert.Equal(t, "8.5", ev.Point.Lon)
}

func TestPipelineStatusUnknownSensorDropped(t *testing.T) {
	p, _ := runPipeline(t, nil)

	// No cached position, no inline coordinates, no GPS source: the status
	// must be dropped.
	p.In() <- InboundMessage{Topic: "uas/status/S9", Payload: []byte(`{"status":{"model":"m"}}`)}

	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: dataMessage(t, buildBlob(false))}
	ev := collectEvent(t, p)
	assert.Equal(t, "RID.TESTUAS123.uas", ev.UID)
}

type staticFixSource struct {
	fix gps.Fix
	err error
}

func (s staticFixSource) Fix(context.Context) (gps.Fix, error) {
	return s.fix, s.err
}

func TestPipelineStatusGPSFallback(t *testing.T) {
	fixes := staticFixSource{fix: gps.Fix{Lat: 51.0, Lon: 4.5, AltHAE: 10.0}}
	p, _ := runPipeline(t, fixes)

	p.In() <- InboundMessage{Topic: "uas/status/S1", Payload: []byte(`{"status":{"model":"m","status":"ok"}}`)}

	ev := collectEvent(t, p)
	assert.Equal(t, "CUAS.S1", ev.UID)
	assert.Equal(t, "51.0", ev.Point.Lat)
	assert.Equal(t, "4.5", ev.Point.Lon)
	assert.Equal(t, "10.0", ev.Point.HAE)
}

func TestPipelineConcatenatedObjectsPreserveOrder(t *testing.T) {
	p, _ := runPipeline(t, nil)

	blob := base64.StdEncoding.EncodeToString(buildBlob(false))
	one := fmt.Sprintf(`{"protocol":"1.0","data":{"UASdata":%q,"sensor_id":"A"}}`, blob)
	two := fmt.Sprintf(`{"protocol":"1.0","data":{"UASdata":%q,"sensor_id":"B"}}`, blob)
	p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: []byte(one + two)}

	first := collectEvent(t, p)
	second := collectEvent(t, p)
	require.NotNil(t, first.Detail.CUAS)
	require.NotNil(t, second.Detail.CUAS)
	assert.Equal(t, "A", first.Detail.CUAS.SensorID)
	assert.Equal(t, "B", second.Detail.CUAS.SensorID)
}

func TestPipelineStatusGPSFallback2DFix(t *testing.T) {
	// A 2D fix has no altitude; the event must carry the unknown sentinel,
	// not a fabricated 0.0.
	fixes := staticFixSource{fix: gps.Fix{Lat: 51.0, Lon: 4.5, AltHAE: math.NaN(), Mode: 2}}
	p, _ := runPipeline(t, fixes)

	p.In() <- InboundMessage{Topic: "uas/status/S1", Payload: []byte(`{"status":{"model":"m"}}`)}

	ev := collectEvent(t, p)
	assert.Equal(t, "51.0", ev.Point.Lat)
	assert.Equal(t, cot.UnknownSentinel, ev.Point.HAE)
}

func TestPipelineCancelDrainsAcceptedMessages(t *testing.T) {
	// Messages accepted before cancellation must all reach the egress
	// queue; cancellation alone never drops.
	p, cancel := runPipeline(t, nil)

	const n = 20
	msg := dataMessage(t, buildBlob(false))
	for i := 0; i < n; i++ {
		p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: msg}
	}
	cancel()

	got := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw, ok := <-p.Events():
			if !ok {
				assert.Equal(t, n, got)
				return
			}
			var ev cot.Event
			require.NoError(t, xml.Unmarshal(raw, &ev))
			assert.Equal(t, "RID.TESTUAS123.uas", ev.UID)
			got++
		case <-deadline:
			t.Fatalf("drain incomplete: %d of %d events before timeout", got, n)
		}
	}
}

func TestPipelineAbortUnblocksDrain(t *testing.T) {
	// With no egress consumer a clean drain can never finish; Abort must
	// let Run return anyway.
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p := New(Config{Cot: testCotConfig, QueueSize: 2}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	msg := dataMessage(t, buildBlob(false))
	for i := 0; i < 5; i++ {
		p.In() <- InboundMessage{Topic: "uas/data/S1", Payload: msg}
	}
	cancel()
	p.Abort()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after abort")
	}
}

func TestPipelineShutdownClosesEgress(t *testing.T) {
	p, cancel := runPipeline(t, nil)

	cancel()
	for {
		select {
		case _, ok := <-p.Events():
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("egress queue not closed after cancellation")
		}
	}
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "1.0", protocolString(json.Number("1.0")))
	assert.Equal(t, "1.0", protocolString("1.0"))
	assert.Equal(t, "1", protocolString(json.Number("1")))
	assert.Equal(t, "", protocolString(nil))
}

func TestSensorFromTopic(t *testing.T) {
	assert.Equal(t, "S1", sensorFromTopic("uas/data/S1"))
	assert.Equal(t, "S1", sensorFromTopic("uas/position/S1/extra"))
	assert.Equal(t, "", sensorFromTopic("short/topic"))
}
