package punchagent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/device"
)

// TimestampLayout is the ISO-8601 local time format sent to the endpoint.
const TimestampLayout = "2006-01-02T15:04:05"

// DeviceTime is a terminal local time that encodes as null when unknown.
type DeviceTime struct{ time.Time }

func (t DeviceTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimestampLayout))
}

func (t *DeviceTime) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimestampLayout, *s, time.Local)
	if err != nil {
		return errors.Wrap(err, "parse device time")
	}
	t.Time = parsed
	return nil
}

// AttendanceRecord is one punch as delivered to the collection endpoint.
type AttendanceRecord struct {
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Timestamp DeviceTime `json:"timestamp"`
	Status    int        `json:"status"`
	Punch     int        `json:"punch"`
	Station   string     `json:"station"`
}

// Extraction is a filtered batch. Records+Discarded always equals Raw.
type Extraction struct {
	Records   []AttendanceRecord
	Discarded int
	Raw       int
}

// Extractor joins the punch log with the user directory and drops entries
// whose identifier fails the policy.
type Extractor struct {
	// MinUserIDLength is the shortest accepted numeric identifier. Zero or
	// less disables the filter so any non-empty identifier passes.
	MinUserIDLength int
}

// ValidUserID reports whether id passes the identifier policy.
func (e Extractor) ValidUserID(id string) bool {
	if id == "" {
		return false
	}
	if e.MinUserIDLength <= 0 {
		return true
	}
	if len(id) < e.MinUserIDLength {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Extract reads the directory and the punch log from session. A failing
// directory only degrades names; a failing log is returned as an error.
func (e Extractor) Extract(ctx context.Context, session device.Session, station string) (Extraction, error) {
	names := map[string]string{}
	users, err := session.Users(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("user directory unavailable, names fall back to placeholders")
	}
	for _, u := range users {
		names[strings.TrimSpace(u.UserID)] = strings.TrimSpace(u.Name)
	}

	punches, err := session.Attendance(ctx)
	if err != nil {
		return Extraction{}, errors.Wrap(err, "read attendance log")
	}
	out := Extraction{Raw: len(punches)}
	if len(punches) == 0 {
		log.Info().Int("users", len(users)).Msg("attendance log is empty")
		return out, nil
	}

	out.Records = make([]AttendanceRecord, 0, len(punches))
	for _, p := range punches {
		id := strings.TrimSpace(p.UserID)
		if !e.ValidUserID(id) {
			out.Discarded++
			continue
		}
		name := names[id]
		if name == "" {
			name = "Unknown_" + id
		}
		out.Records = append(out.Records, AttendanceRecord{
			UserID:    id,
			Name:      name,
			Timestamp: DeviceTime{p.Timestamp},
			Status:    p.Status,
			Punch:     p.Punch,
			Station:   station,
		})
	}
	log.Info().
		Int("raw", out.Raw).
		Int("valid", len(out.Records)).
		Int("discarded", out.Discarded).
		Int("users", len(users)).
		Msg("attendance extracted")
	return out, nil
}
