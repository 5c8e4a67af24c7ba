package tracking

import (
	"errors"
	"fmt"
	"strings"
)

// Direction is the way a tag crossed the doorway.
type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// Valid reports whether d is IN or OUT.
func (d Direction) Valid() bool {
	return d == In || d == Out
}

// ParseDirection accepts "in"/"out" in any case.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
	return d, nil
}

var (
	ErrInvalidDirection = errors.New("tracking: direction must be IN or OUT")
	ErrInvalidTag       = errors.New("tracking: rfid tag is required")
	ErrInvalidFilter    = errors.New("tracking: invalid filter")
	ErrConfirmRequired  = errors.New("tracking: clear requires confirmation")
	ErrSyncRejected     = errors.New("tracking: sync rejected during clear grace period")
	ErrBadTimestamp     = errors.New("tracking: malformed timestamp")
)

// Reason maps a store error to a short machine-readable code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, ErrInvalidTag):
		return "invalid_tag"
	case errors.Is(err, ErrInvalidFilter):
		return "invalid_filter"
	case errors.Is(err, ErrConfirmRequired):
		return "confirm_required"
	case errors.Is(err, ErrSyncRejected):
		return "sync_rejected"
	case errors.Is(err, ErrBadTimestamp):
		return "bad_timestamp"
	default:
		return "internal"
	}
}

// Record is one doorway crossing. Records are never modified once created.
type Record struct {
	RFIDTag   string    `json:"rfid_tag"`
	Direction Direction `json:"direction"`
	ReadDate  string    `json:"read_date"`
}

// Crossing is a pairing decision handed to the forwarder.
type Crossing struct {
	Tag       string
	Direction Direction
	ReadDate  string
}

// Component names a device whose connectivity is tracked in Status.
type Component string

const (
	ComponentReader        Component = "rfid_reader"
	ComponentSensorInside  Component = "sensor_inside"
	ComponentSensorOutside Component = "sensor_outside"
)

// Connectivity states reported by the device tasks.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateError        = "error"
)

// Status is the in-memory system status. It is never persisted.
type Status struct {
	RFIDReader    string  `json:"rfid_reader"`
	SensorInside  string  `json:"sensor_inside"`
	SensorOutside string  `json:"sensor_outside"`
	LastTagRead   *Record `json:"last_tag_read"`
	TotalRecords  int     `json:"total_records"`
}

func newStatus() Status {
	return Status{
		RFIDReader:    StateDisconnected,
		SensorInside:  StateDisconnected,
		SensorOutside: StateDisconnected,
	}
}

func (s Status) clone() Status {
	if s.LastTagRead != nil {
		r := *s.LastTagRead
		s.LastTagRead = &r
	}
	return s
}

// Filter narrows a Records query. Zero values match everything.
type Filter struct {
	Direction Direction
	StartDate string
	EndDate   string
	RFIDTag   string
	Limit     int
}

// TagCount is one entry of the most-active-tags list.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Statistics summarizes the durable log.
type Statistics struct {
	TotalRecords   int        `json:"total_records"`
	InCount        int        `json:"in_count"`
	OutCount       int        `json:"out_count"`
	UniqueTags     int        `json:"unique_tags"`
	CurrentBalance int        `json:"current_balance"`
	TopTags        []TagCount `json:"top_tags"`
}
