package idmef

import (
	"errors"
	"strconv"
	"sync"
)

// Kind identifies which variant a Message carries
type Kind int

// Message kinds
const (
	KindNone Kind = iota
	KindAlert
	KindHeartbeat
)

// String returns the lowercase kind name
func (k Kind) String() string {
	switch k {
	case KindAlert:
		return "alert"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "none"
	}
}

// ErrBodyExists is returned when a second Alert or Heartbeat is set on a Message
var ErrBodyExists = errors.New("message already has a body")

// Message is one IDMEF event. A complete Message carries exactly one of
// Alert or Heartbeat. Once handed to the scheduler it is read-only.
type Message struct {
	Version   string     `json:"version"`
	Alert     *Alert     `json:"alert,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`

	// additional data decoded before the body arrived
	pending []AdditionalData

	viewOnce sync.Once
	view     map[string]any
}

// Alert is raised by an analyzer that detected a condition
type Alert struct {
	MessageID      string           `json:"messageid,omitempty"`
	Analyzer       *Analyzer        `json:"analyzer,omitempty"`
	CreateTime     *Time            `json:"create_time,omitempty"`
	DetectTime     *Time            `json:"detect_time,omitempty"`
	AnalyzerTime   *Time            `json:"analyzer_time,omitempty"`
	Classification *Classification  `json:"classification,omitempty"`
	Assessment     *Assessment      `json:"assessment,omitempty"`
	Sources        []Endpoint       `json:"source,omitempty"`
	Targets        []Endpoint       `json:"target,omitempty"`
	AdditionalData []AdditionalData `json:"additional_data,omitempty"`
}

// Heartbeat signals analyzer liveness
type Heartbeat struct {
	MessageID         string           `json:"messageid,omitempty"`
	Analyzer          *Analyzer        `json:"analyzer,omitempty"`
	CreateTime        *Time            `json:"create_time,omitempty"`
	AnalyzerTime      *Time            `json:"analyzer_time,omitempty"`
	HeartbeatInterval uint32           `json:"heartbeat_interval,omitempty"`
	AdditionalData    []AdditionalData `json:"additional_data,omitempty"`
}

// Classification names what was detected
type Classification struct {
	Text      string      `json:"text"`
	Reference []Reference `json:"reference,omitempty"`
}

// Reference points at external documentation for a classification
type Reference struct {
	Origin string `json:"origin,omitempty"`
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Assessment rates the impact of an alert
type Assessment struct {
	Severity   string `json:"severity,omitempty"`
	Completion string `json:"completion,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// Endpoint is an alert source or target
type Endpoint struct {
	Node    *Node    `json:"node,omitempty"`
	Service *Service `json:"service,omitempty"`
}

// Service is a network service on an endpoint
type Service struct {
	Name     string `json:"name,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// AdditionalData is an analyzer-specific typed value
type AdditionalData struct {
	Meaning string `json:"meaning,omitempty"`
	Type    string `json:"type,omitempty"`
	Data    string `json:"data"`
}

// New returns an empty message of the current IDMEF version
func New() *Message {
	return &Message{Version: "1"}
}

// Kind reports which variant the message carries
func (m *Message) Kind() Kind {
	switch {
	case m.Alert != nil:
		return KindAlert
	case m.Heartbeat != nil:
		return KindHeartbeat
	default:
		return KindNone
	}
}

// SetAlert sets the message body. It fails if a body is already present.
func (m *Message) SetAlert(a *Alert) error {
	if m.Kind() != KindNone {
		return ErrBodyExists
	}
	m.Alert = a
	m.flushPending()
	return nil
}

// SetHeartbeat sets the message body. It fails if a body is already present.
func (m *Message) SetHeartbeat(h *Heartbeat) error {
	if m.Kind() != KindNone {
		return ErrBodyExists
	}
	m.Heartbeat = h
	m.flushPending()
	return nil
}

// AddAdditionalData appends data to the body, or holds it until a body is set
func (m *Message) AddAdditionalData(data ...AdditionalData) {
	switch m.Kind() {
	case KindAlert:
		m.Alert.AdditionalData = append(m.Alert.AdditionalData, data...)
	case KindHeartbeat:
		m.Heartbeat.AdditionalData = append(m.Heartbeat.AdditionalData, data...)
	default:
		m.pending = append(m.pending, data...)
	}
}

// Pending returns additional data still waiting for a body
func (m *Message) Pending() []AdditionalData {
	return m.pending
}

// AdditionalDataCount counts the records on the body and those still pending
func (m *Message) AdditionalDataCount() int {
	n := len(m.pending)
	switch m.Kind() {
	case KindAlert:
		n += len(m.Alert.AdditionalData)
	case KindHeartbeat:
		n += len(m.Heartbeat.AdditionalData)
	}
	return n
}

func (m *Message) flushPending() {
	if len(m.pending) == 0 {
		return
	}
	pending := m.pending
	m.pending = nil
	m.AddAdditionalData(pending...)
}

// MessageID returns the body's message ident, or "" without a body
func (m *Message) MessageID() string {
	switch m.Kind() {
	case KindAlert:
		return m.Alert.MessageID
	case KindHeartbeat:
		return m.Heartbeat.MessageID
	}
	return ""
}

// CreateTime returns the body's origin timestamp
func (m *Message) CreateTime() *Time {
	switch m.Kind() {
	case KindAlert:
		return m.Alert.CreateTime
	case KindHeartbeat:
		return m.Heartbeat.CreateTime
	}
	return nil
}

// AnalyzerTime returns the body's receipt timestamp
func (m *Message) AnalyzerTime() *Time {
	switch m.Kind() {
	case KindAlert:
		return m.Alert.AnalyzerTime
	case KindHeartbeat:
		return m.Heartbeat.AnalyzerTime
	}
	return nil
}

// SetAnalyzerTime sets the body's receipt timestamp
func (m *Message) SetAnalyzerTime(t *Time) {
	switch m.Kind() {
	case KindAlert:
		m.Alert.AnalyzerTime = t
	case KindHeartbeat:
		m.Heartbeat.AnalyzerTime = t
	}
}

// Analyzer returns the head of the body's analyzer chain
func (m *Message) Analyzer() *Analyzer {
	switch m.Kind() {
	case KindAlert:
		return m.Alert.Analyzer
	case KindHeartbeat:
		return m.Heartbeat.Analyzer
	}
	return nil
}

// SetAnalyzer replaces the head of the body's analyzer chain
func (m *Message) SetAnalyzer(a *Analyzer) {
	switch m.Kind() {
	case KindAlert:
		m.Alert.Analyzer = a
	case KindHeartbeat:
		m.Heartbeat.Analyzer = a
	}
}

// Ident returns a short identity for log entries
func (m *Message) Ident() string {
	if m == nil {
		return "<nil>"
	}
	id := m.MessageID()
	if id == "" {
		id = "-"
	}
	head := m.Analyzer()
	if head != nil && head.AnalyzerID != "" {
		return m.Kind().String() + ":" + head.AnalyzerID + "/" + id
	}
	return m.Kind().String() + ":" + id
}

// IdentUint formats a numeric ident as a message ID
func IdentUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}
