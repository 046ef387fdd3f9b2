package models

import (
	"time"
)

// ConnectionStatus is the state of the controller link.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusRetrying     ConnectionStatus = "retrying"
	StatusConnected    ConnectionStatus = "connected"
)

// CallType classifies a record by its destination.
type CallType string

const (
	CallInternal CallType = "internal"
	CallExternal CallType = "external"
)

// EventLevel is the severity of a connection log event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Record is one normalized SMDR call record
type Record struct {
	ID                   int64    `json:"id,omitempty"`
	Date                 string   `json:"date"`       // YYYY-MM-DD
	StartTime            string   `json:"start_time"` // HH:MM:SS
	Duration             string   `json:"duration"`
	CallingParty         string   `json:"calling_party"`
	CalledParty          string   `json:"called_party"`
	ThirdParty           string   `json:"third_party,omitempty"`
	TrunkNumber          string   `json:"trunk_number,omitempty"`
	DigitsDialed         string   `json:"digits_dialed,omitempty"`
	AccountCode          string   `json:"account_code,omitempty"`
	CompletionStatus     string   `json:"completion_status,omitempty"`
	TransferFlag         string   `json:"transfer_flag,omitempty"`
	CallIdentifier       string   `json:"call_identifier,omitempty"`
	CallSequence         string   `json:"call_sequence,omitempty"`
	AssociatedIdentifier string   `json:"associated_identifier,omitempty"`
	NetworkOLI           string   `json:"network_oli,omitempty"`
	CallType             CallType `json:"call_type"`
	RawLine              string   `json:"raw_line"`

	// Set when a stored field failed authentication on read; the field is blank.
	IntegrityError string    `json:"integrity_error,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// ParseError is a line the parser could not turn into a Record.
type ParseError struct {
	ID        int64     `json:"id,omitempty"`
	Line      string    `json:"line"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Capabilities records which optional fields the controller has been seen to emit.
type Capabilities struct {
	StandardizedCallID  bool `json:"standardized_call_id"`
	NetworkOLI          bool `json:"network_oli"`
	ExtendedDigitLength bool `json:"extended_digit_length"`
	AccountCodes        bool `json:"account_codes"`
}

// AlertEvent is raised by a rule matching a record.
type AlertEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // long-call, watch-number, repeated-busy, tag-call, toll-denied
	Message   string    `json:"message"`
	Record    Record    `json:"record"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionEvent is a log line produced by the connection manager.
type ConnectionEvent struct {
	ID        int64      `json:"id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// RecordFilters narrows a record query. Zero values mean "any".
type RecordFilters struct {
	Date             string
	Extension        string
	AccountCode      string
	CallType         CallType
	CompletionStatus string
	Limit            int
	Offset           int
}

// CountEntry is a labelled count used in dashboards.
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// DashboardMetrics summarises one day of traffic.
type DashboardMetrics struct {
	Date             string       `json:"date"`
	TotalCalls       int          `json:"total_calls"`
	InternalCalls    int          `json:"internal_calls"`
	ExternalCalls    int          `json:"external_calls"`
	TotalSeconds     int          `json:"total_seconds"`
	AverageSeconds   int          `json:"average_seconds"`
	LongestSeconds   int          `json:"longest_seconds"`
	ParseErrors      int          `json:"parse_errors"`
	Alerts           int          `json:"alerts"`
	CallsPerHour     [24]int      `json:"calls_per_hour"`
	TopExtensions    []CountEntry `json:"top_extensions"`
	CompletionCounts []CountEntry `json:"completion_counts"`
}

// AnalyticsSnapshot summarises a date range.
type AnalyticsSnapshot struct {
	StartDate        string       `json:"start_date"`
	EndDate          string       `json:"end_date"`
	TotalCalls       int          `json:"total_calls"`
	TotalSeconds     int          `json:"total_seconds"`
	CallsPerDay      []CountEntry `json:"calls_per_day"`
	TopCallers       []CountEntry `json:"top_callers"`
	TopDestinations  []CountEntry `json:"top_destinations"`
	AccountCodeUsage []CountEntry `json:"account_code_usage"`
	TrunkUsage       []CountEntry `json:"trunk_usage"`
}

// Service event kinds.
const (
	EventRecord          = "record"
	EventParseError      = "parse-error"
	EventAlert           = "alert"
	EventStatus          = "status"
	EventConnectionEvent = "connection-event"
)

// ServiceEvent is what the service fans out to live subscribers.
type ServiceEvent struct {
	Kind       string           `json:"kind"`
	Record     *Record          `json:"record,omitempty"`
	ParseError *ParseError      `json:"parse_error,omitempty"`
	Alert      *AlertEvent      `json:"alert,omitempty"`
	Status     ConnectionStatus `json:"status,omitempty"`
	Event      *ConnectionEvent `json:"event,omitempty"`
	At         time.Time        `json:"at"`
}
