// FilePath: server/ingest/internal/models/models.sensor_data.go
package models

import "time"

// SensorReading represents one accepted layer sample
type SensorReading struct {
	ID        int64     `json:"id" db:"id"`
	Layer     Layer     `json:"layer" db:"layer"`
	Readings  RawJSON   `json:"readings" db:"readings"`
	CycleID   int64     `json:"cycle_id" db:"cycle_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WormActivity represents one accepted thermal worm-activity sample
type WormActivity struct {
	ID            int64         `json:"id" db:"id"`
	CycleID       int64         `json:"worm_schedule_id" db:"worm_schedule_id"`
	AvgTemp       float64       `json:"avg_temp" db:"avg_temp"`
	MinTemp       float64       `json:"min_temp" db:"min_temp"`
	MaxTemp       float64       `json:"max_temp" db:"max_temp"`
	ThermalSpread float64       `json:"thermal_spread" db:"thermal_spread"`
	ActivityLevel ActivityLevel `json:"activity_level" db:"activity_level"`
	Hotspot       Point         `json:"hotspot" db:"hotspot"`
	Zones         RawJSON       `json:"zones" db:"zones"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// RelayCommand is an actuator state echo extracted from a log line. It is
// republished on the broker and never stored.
type RelayCommand struct {
	Board int `json:"board"`
	Pin   int `json:"pin"`
	State int `json:"state"`
}
