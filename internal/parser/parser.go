// FilePath: server/ingest/internal/parser/parser.go

// Package parser validates raw broker payloads and turns them into typed
// records. Every rejection is a validation error; callers drop the message.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itsatony/vermihub/server/ingest/internal/errors"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
)

// ParseSensorPayload accepts any syntactically valid JSON document. The shape
// of layer readings is owned by the sensor firmware.
func ParseSensorPayload(raw []byte) (models.RawJSON, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.NewValidationError("empty sensor payload", nil)
	}
	if !json.Valid(trimmed) {
		return nil, errors.NewValidationError("sensor payload is not valid JSON", nil)
	}
	out := make(models.RawJSON, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

type wormActivityPayload struct {
	AvgTemp       *float64        `json:"avg_temp"`
	MinTemp       *float64        `json:"min_temp"`
	MaxTemp       *float64        `json:"max_temp"`
	ThermalSpread *float64        `json:"thermal_spread"`
	ActivityLevel string          `json:"activity_level"`
	Hotspot       json.RawMessage `json:"hotspot"`
	Zones         json.RawMessage `json:"zones"`
}

// ParseWormActivity validates a layer/worms document. The returned record has
// no cycle or timestamp yet.
func ParseWormActivity(raw []byte) (*models.WormActivity, error) {
	var p wormActivityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewValidationError("malformed worm activity payload", err)
	}

	temps := []struct {
		name  string
		value *float64
	}{
		{"avg_temp", p.AvgTemp},
		{"min_temp", p.MinTemp},
		{"max_temp", p.MaxTemp},
		{"thermal_spread", p.ThermalSpread},
	}
	for _, f := range temps {
		if f.value == nil {
			return nil, errors.NewValidationError(fmt.Sprintf("missing numeric field %s", f.name), nil)
		}
	}

	hotspot, err := parseHotspot(p.Hotspot)
	if err != nil {
		return nil, err
	}

	level, err := models.ParseActivityLevel(p.ActivityLevel)
	if err != nil {
		return nil, errors.NewValidationError("invalid activity_level", err)
	}

	zones := bytes.TrimSpace(p.Zones)
	if len(zones) == 0 || bytes.Equal(zones, []byte("null")) {
		return nil, errors.NewValidationError("missing zones", nil)
	}

	return &models.WormActivity{
		AvgTemp:       *p.AvgTemp,
		MinTemp:       *p.MinTemp,
		MaxTemp:       *p.MaxTemp,
		ThermalSpread: *p.ThermalSpread,
		ActivityLevel: level,
		Hotspot:       hotspot,
		Zones:         models.RawJSON(zones),
	}, nil
}

func parseHotspot(raw json.RawMessage) (models.Point, error) {
	var coords []interface{}
	if err := json.Unmarshal(raw, &coords); err != nil || len(coords) != 2 {
		return models.Point{}, errors.NewValidationError("hotspot must be a 2-element numeric array", err)
	}
	x, okX := coords[0].(float64)
	y, okY := coords[1].(float64)
	if !okX || !okY {
		return models.Point{}, errors.NewValidationError("hotspot must be a 2-element numeric array", nil)
	}
	return models.Point{X: x, Y: y}, nil
}

var bracketedLogLine = regexp.MustCompile(`^<([^:]+):\s*(.+)>$`)

// ParseLogLine splits a device log line into its tag and content. The
// bracketed "<tag: content>" form is tried first, then "tag: content" split on
// the first colon with any further colons kept in the content.
func ParseLogLine(line string) (tag, content string, err error) {
	line = strings.TrimSpace(line)
	if m := bracketedLogLine.FindStringSubmatch(line); m != nil {
		tag, content = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	} else {
		var found bool
		tag, content, found = strings.Cut(line, ":")
		if !found {
			return "", "", errors.NewValidationError("log line has no tag separator", nil)
		}
		tag, content = strings.TrimSpace(tag), strings.TrimSpace(content)
	}
	if tag == "" {
		return "", "", errors.NewValidationError("log line has an empty tag", nil)
	}
	if content == "" {
		return "", "", errors.NewValidationError("log line has no message", nil)
	}
	return tag, content, nil
}

// ParseLogRecord parses a log line and maps its tag onto a severity. content
// is returned even when the tag is unmapped so relay feedback can still be read.
func ParseLogRecord(line string) (record *models.LogRecord, content string, err error) {
	tag, content, err := ParseLogLine(line)
	if err != nil {
		return nil, "", err
	}
	severity, err := models.ParseSeverity(tag)
	if err != nil {
		return nil, content, errors.NewValidationError("unmapped log severity", err)
	}
	return &models.LogRecord{Severity: severity, Message: content}, content, nil
}

// ParseStatus extracts the status word from a system/status or
// system/settings payload: plain text, a JSON string, or a settings object.
func ParseStatus(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", errors.NewValidationError("empty status payload", nil)
	}
	switch trimmed[0] {
	case '{':
		var settings models.SystemSettings
		if err := json.Unmarshal(trimmed, &settings); err != nil {
			return "", errors.NewValidationError("malformed settings payload", err)
		}
		if strings.TrimSpace(settings.Status) == "" {
			return "", errors.NewValidationError("settings payload has no status", nil)
		}
		return settings.Status, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", errors.NewValidationError("malformed status string", err)
		}
		return s, nil
	}
	return string(trimmed), nil
}

// ParseCycleID decodes a system/current_cycle payload into a JSON number or
// string for the state store to coerce.
func ParseCycleID(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.NewValidationError("cycle payload is not valid JSON", err)
	}
	switch v.(type) {
	case json.Number, string:
		return v, nil
	}
	return nil, errors.NewValidationError(fmt.Sprintf("cycle payload must be a number, got %T", v), nil)
}
