package relay

import (
	"fmt"
	"strings"
	"time"
)

// DirectionLeftToRight is the direction code the camera writes for objects
// crossing the frame from left to right.
const DirectionLeftToRight = "L2R"

// Human readable direction labels.
const (
	DirectionSouthbound = "Southbound"
	DirectionNorthbound = "Northbound"
)

// keyLayout is the prefix of a detection key that carries the event time.
// Keys look like YYYYMMDD-hhmmsss; anything after the minutes is ignored.
const keyLayout = "20060102-1504"

// DetectionRow is one speed-camera event as stored in the row store.
type DetectionRow struct {
	// ID is the row key, formatted YYYYMMDD-hhmmsss.
	ID            string
	Speed         float64
	SpeedUnit     string
	DirectionCode string
}

// PublishRecord is the outward-facing shape of a detection.
type PublishRecord struct {
	Timestamp   string  `json:"@timestamp"`
	OriginalKey string  `json:"actual_time"`
	Speed       float64 `json:"speed"`
	SpeedUnit   string  `json:"speed_unit"`
	Direction   string  `json:"direction"`
	Source      string  `json:"source"`
}

// MalformedKeyError is returned when a row key does not carry a valid
// YYYYMMDD-hhmm timestamp.
type MalformedKeyError struct {
	Key string
	Err error
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed detection key %q: %v", e.Key, e.Err)
}

func (e *MalformedKeyError) Unwrap() error { return e.Err }

// Transformer maps stored rows to publish records.
type Transformer struct {
	// Source is a static label identifying the camera.
	Source string
	// TimezoneSuffix is appended verbatim to every timestamp, e.g. "+00:00".
	TimezoneSuffix string
}

// ToPublishRecord derives the publish record for row. It has no side effects.
func (t Transformer) ToPublishRecord(row DetectionRow) (PublishRecord, error) {
	timestamp, err := t.timestamp(row.ID)
	if err != nil {
		return PublishRecord{}, err
	}

	return PublishRecord{
		Timestamp:   timestamp,
		OriginalKey: row.ID,
		Speed:       row.Speed,
		SpeedUnit:   row.SpeedUnit,
		Direction:   DecodeDirection(row.DirectionCode),
		Source:      t.Source,
	}, nil
}

// DecodeDirection returns Southbound for L2R and Northbound for any other code.
func DecodeDirection(code string) string {
	if code == DirectionLeftToRight {
		return DirectionSouthbound
	}
	return DirectionNorthbound
}

func (t Transformer) timestamp(key string) (string, error) {
	if len(key) < len(keyLayout) {
		return "", &MalformedKeyError{Key: key, Err: fmt.Errorf("expected at least %d characters", len(keyLayout))}
	}
	// time.Parse accepts a few non-digit forms for numeric fields, so check
	// the raw characters first.
	for i := 0; i < len(keyLayout); i++ {
		c := key[i]
		if i == 8 {
			if c != '-' {
				return "", &MalformedKeyError{Key: key, Err: fmt.Errorf("expected '-' at position 8")}
			}
			continue
		}
		if c < '0' || c > '9' {
			return "", &MalformedKeyError{Key: key, Err: fmt.Errorf("expected digit at position %d", i)}
		}
	}
	if _, err := time.Parse(keyLayout, key[:len(keyLayout)]); err != nil {
		return "", &MalformedKeyError{Key: key, Err: err}
	}

	ts := key[0:4] + "-" + key[4:6] + "-" + key[6:8] + "T" + key[9:11] + ":" + key[11:13] + ":00" + t.TimezoneSuffix
	return strings.TrimSpace(ts), nil
}
