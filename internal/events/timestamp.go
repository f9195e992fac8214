package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// isoMillis matches the ISO-8601 form with millisecond precision used on
// the wire, e.g. 2024-03-01T10:00:00.000Z.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 seconds lies in the year 33658.
const epochMillisThreshold = 1e12

// Timestamp is written as an ISO-8601 string and read from either an
// ISO-8601 string or a numeric epoch in seconds or milliseconds.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(isoMillis))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: not a string or number", data)
	}
	*t = fromEpoch(n)
	return nil
}

// ParseTimestamp accepts RFC 3339 (with or without fractional seconds) or a
// decimal epoch. The empty string is the zero time.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	if tm, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewTimestamp(tm), nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n), nil
	}
	return Timestamp{}, fmt.Errorf("timestamp %q: want ISO-8601 or epoch", s)
}

func fromEpoch(n float64) Timestamp {
	if n >= epochMillisThreshold {
		return NewTimestamp(time.UnixMilli(int64(n)))
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return NewTimestamp(time.Unix(sec, nsec))
}
