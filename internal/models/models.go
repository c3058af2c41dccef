// Package models holds the data types shared by the scheduler, the settings
// store, the executors and the API layer.
package models

import "time"

const (
	DefaultScanIntervalSeconds      = 60
	DefaultSpeedTestIntervalMinutes = 60
)

// Settings is the persisted runtime configuration record. Missing fields
// resolve to DefaultSettings.
type Settings struct {
	ScanIntervalSeconds      int        `json:"scanIntervalSeconds"`
	SpeedTestIntervalMinutes int        `json:"speedTestIntervalMinutes"`
	ManualSubnet             string     `json:"manualSubnet"`
	LastScanTime             *time.Time `json:"lastScanTime"`
	NetworkSpeedDownMbps     *float64   `json:"networkSpeedDownMbps,omitempty"`
	NetworkSpeedUpMbps       *float64   `json:"networkSpeedUpMbps,omitempty"`
	PingMs                   *float64   `json:"pingMs,omitempty"`
	LastSpeedTestTime        *time.Time `json:"lastSpeedTestTime,omitempty"`
}

// DefaultSettings returns the record used when nothing has been persisted yet.
func DefaultSettings() Settings {
	return Settings{
		ScanIntervalSeconds:      DefaultScanIntervalSeconds,
		SpeedTestIntervalMinutes: DefaultSpeedTestIntervalMinutes,
	}
}

// ScanInterval returns the effective scan cadence. unit is one "second" of
// scan interval, which lets callers scale the schedule down.
func (s Settings) ScanInterval(unit time.Duration) time.Duration {
	n := s.ScanIntervalSeconds
	if n <= 0 {
		n = DefaultScanIntervalSeconds
	}
	return time.Duration(n) * unit
}

// SpeedTestInterval returns the effective speed-test cadence, unit being one
// "minute" of interval.
func (s Settings) SpeedTestInterval(unit time.Duration) time.Duration {
	n := s.SpeedTestIntervalMinutes
	if n <= 0 {
		n = DefaultSpeedTestIntervalMinutes
	}
	return time.Duration(n) * unit
}

// SettingsPatch is a partial update. Nil fields are left untouched.
type SettingsPatch struct {
	ScanIntervalSeconds      *int       `json:"scanIntervalSeconds,omitempty"`
	SpeedTestIntervalMinutes *int       `json:"speedTestIntervalMinutes,omitempty"`
	ManualSubnet             *string    `json:"manualSubnet,omitempty"`
	LastScanTime             *time.Time `json:"lastScanTime,omitempty"`
	NetworkSpeedDownMbps     *float64   `json:"networkSpeedDownMbps,omitempty"`
	NetworkSpeedUpMbps       *float64   `json:"networkSpeedUpMbps,omitempty"`
	PingMs                   *float64   `json:"pingMs,omitempty"`
	LastSpeedTestTime        *time.Time `json:"lastSpeedTestTime,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p == SettingsPatch{}
}

// HasIntervals reports whether the patch touches timer cadence.
func (p SettingsPatch) HasIntervals() bool {
	return p.ScanIntervalSeconds != nil || p.SpeedTestIntervalMinutes != nil
}

// Device is a host discovered by a scan.
type Device struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	MAC      string `json:"mac,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
}

// SpeedResult is one throughput/latency measurement.
type SpeedResult struct {
	DownloadMbps float64   `json:"downloadMbps"`
	UploadMbps   float64   `json:"uploadMbps"`
	PingMs       float64   `json:"pingMs"`
	ISP          string    `json:"isp,omitempty"`
	Server       string    `json:"server,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Patch converts the measurement into the settings fields it updates.
func (r SpeedResult) Patch() SettingsPatch {
	down, up, ping, ts := r.DownloadMbps, r.UploadMbps, r.PingMs, r.Timestamp
	return SettingsPatch{
		NetworkSpeedDownMbps: &down,
		NetworkSpeedUpMbps:   &up,
		PingMs:               &ping,
		LastSpeedTestTime:    &ts,
	}
}

// NetworkInterface describes one local IPv4 interface address.
type NetworkInterface struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	Subnet  string `json:"subnet"`
}
