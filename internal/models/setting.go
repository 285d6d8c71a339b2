package models

import "time"

// Well-known setting keys read by the transcode subsystem.
const (
	SettingMaxConcurrentTranscodes = "transcode.max_concurrent"
	SettingWorkerSharedSecret      = "workers.shared_secret"
)

// Setting is a runtime-editable key/value pair.
type Setting struct {
	Key       string    `gorm:"primarykey;column:name;size:191" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Setting.
func (Setting) TableName() string {
	return "settings"
}

// IsSecret reports whether the value should be hidden from listings.
func (s *Setting) IsSecret() bool {
	return s.Key == SettingWorkerSharedSecret
}
