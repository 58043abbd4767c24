package idmef

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAlert() *Message {
	msg := New()
	_ = msg.SetAlert(&Alert{
		MessageID:      "17",
		Analyzer:       &Analyzer{AnalyzerID: "sensor-1", Model: "nids"},
		CreateTime:     &Time{Sec: 1000, GMTOffset: 3600},
		Classification: &Classification{Text: "port scan"},
		Assessment:     &Assessment{Severity: "high"},
		Sources: []Endpoint{
			{Node: &Node{Address: []string{"10.0.0.1"}}},
			{Node: &Node{Address: []string{"10.0.0.2"}}},
		},
	})
	return msg
}

func TestMessage_Kind(t *testing.T) {
	msg := New()
	assert.Equal(t, KindNone, msg.Kind())
	assert.Equal(t, "none", msg.Kind().String())

	require.NoError(t, msg.SetHeartbeat(&Heartbeat{MessageID: "1"}))
	assert.Equal(t, KindHeartbeat, msg.Kind())

	assert.ErrorIs(t, msg.SetAlert(&Alert{}), ErrBodyExists)
	assert.ErrorIs(t, msg.SetHeartbeat(&Heartbeat{}), ErrBodyExists)
}

func TestMessage_PendingAdditionalData(t *testing.T) {
	msg := New()
	msg.AddAdditionalData(AdditionalData{Meaning: "rule", Data: "42"})
	assert.Len(t, msg.Pending(), 1)

	require.NoError(t, msg.SetAlert(&Alert{MessageID: "1"}))
	assert.Empty(t, msg.Pending())
	require.Len(t, msg.Alert.AdditionalData, 1)
	assert.Equal(t, "42", msg.Alert.AdditionalData[0].Data)

	msg.AddAdditionalData(AdditionalData{Meaning: "payload", Data: "x"})
	assert.Len(t, msg.Alert.AdditionalData, 2)
	assert.Equal(t, 2, msg.AdditionalDataCount())
}

func TestMessage_AdditionalDataCount(t *testing.T) {
	msg := New()
	assert.Zero(t, msg.AdditionalDataCount())

	msg.AddAdditionalData(AdditionalData{Data: "1"}, AdditionalData{Data: "2"})
	assert.Equal(t, 2, msg.AdditionalDataCount())

	require.NoError(t, msg.SetHeartbeat(&Heartbeat{AdditionalData: []AdditionalData{{Data: "own"}}}))
	assert.Equal(t, 3, msg.AdditionalDataCount())
}

func TestMessage_Accessors(t *testing.T) {
	msg := sampleAlert()

	assert.Equal(t, "17", msg.MessageID())
	assert.Equal(t, int64(1000), msg.CreateTime().Sec)
	assert.Nil(t, msg.AnalyzerTime())

	msg.SetAnalyzerTime(&Time{Sec: 2000})
	assert.Equal(t, int64(2000), msg.Alert.AnalyzerTime.Sec)
	assert.Equal(t, "alert:sensor-1/17", msg.Ident())
}

func TestMessage_Get(t *testing.T) {
	msg := sampleAlert()

	tests := []struct {
		path     string
		expected string
		found    bool
	}{
		{"alert.classification.text", "port scan", true},
		{"alert.assessment.severity", "high", true},
		{"alert.analyzer.analyzerid", "sensor-1", true},
		{"alert.create_time.gmt_offset", "3600", true},
		{"alert.source(1).node.address", "10.0.0.2", true},
		{"alert.source.node.address", "10.0.0.1, 10.0.0.2", true},
		{"alert.source(5).node.address", "", false},
		{"alert.target.node.address", "", false},
		{"heartbeat.messageid", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, ok := msg.GetString(MustParsePath(tt.path))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, raw := range []string{"", "source.node", "alert..text", "alert.source(x)", "alert.(1)"} {
		_, err := ParsePath(raw)
		assert.Error(t, err, raw)
	}
}

func TestTime_RoundTrip(t *testing.T) {
	zone := time.FixedZone("CET", 3600)
	now := time.Date(2024, 3, 1, 12, 30, 15, 123456000, zone)

	ts := NewTime(now)
	assert.Equal(t, int32(3600), ts.GMTOffset)
	assert.Equal(t, uint32(123456), ts.Usec)
	assert.True(t, now.Equal(ts.Time()))
	assert.Equal(t, "2024-03-01T12:30:15.123456+01:00", ts.String())

	assert.Equal(t, int32(-18000), ts.WithOffset(-18000).GMTOffset)
	assert.Error(t, (&Time{Usec: 1_000_000}).Validate())
}

func TestAnalyzer_Chain(t *testing.T) {
	local := &Analyzer{AnalyzerID: "manager"}
	relay := &Analyzer{AnalyzerID: "relay", Next: local}
	sensor := &Analyzer{AnalyzerID: "sensor", Next: relay}

	assert.Len(t, sensor.Chain(), 3)
	assert.Same(t, local, sensor.Terminal())
	assert.True(t, local.SameAs(&Analyzer{AnalyzerID: "manager"}))
	assert.False(t, local.SameAs(&Analyzer{}))
	assert.Nil(t, (*Analyzer)(nil).Terminal())
}
