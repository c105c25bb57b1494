// FilePath: server/ingest/internal/models/models.sensor.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// RawJSON is an opaque JSON document stored as jsonb.
// lib/pq would send a []byte as bytea, so Value hands the driver a string.
type RawJSON json.RawMessage

// Value implements the driver.Valuer interface
func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *RawJSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = RawJSON(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", value)
	}
	return nil
}

// MarshalJSON keeps the document verbatim
func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

type Layer string

const (
	LayerBedding Layer = "bedding"
	LayerCompost Layer = "compost"
	LayerFluid   Layer = "fluid"
)

// Layers lists every physical measurement zone.
func Layers() []Layer {
	return []Layer{LayerBedding, LayerCompost, LayerFluid}
}

// ParseLayer maps a layer name onto the enum, rejecting anything unknown.
func ParseLayer(raw string) (Layer, error) {
	switch l := Layer(strings.ToLower(strings.TrimSpace(raw))); l {
	case LayerBedding, LayerCompost, LayerFluid:
		return l, nil
	}
	return "", fmt.Errorf("invalid layer type: %q", raw)
}

type ActivityLevel string

const (
	ActivityLow      ActivityLevel = "low"
	ActivityModerate ActivityLevel = "moderate"
	ActivityHigh     ActivityLevel = "high"
)

func ParseActivityLevel(raw string) (ActivityLevel, error) {
	switch a := ActivityLevel(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActivityLow, ActivityModerate, ActivityHigh:
		return a, nil
	}
	return "", fmt.Errorf("invalid activity level: %q", raw)
}

// Point is a 2-D coordinate persisted as a Postgres point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Value implements the driver.Valuer interface
func (p Point) Value() (driver.Value, error) {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y), nil
}

// Scan implements the sql.Scanner interface
func (p *Point) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("unsupported point source %T", value)
	}
	_, err := fmt.Sscanf(s, "(%g,%g)", &p.X, &p.Y)
	return err
}
