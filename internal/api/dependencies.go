package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/scaneye/scaneye/internal/eventbus"
	"github.com/scaneye/scaneye/internal/models"
)

// Engine is the part of the scheduler the handlers drive.
type Engine interface {
	GetConfig(ctx context.Context) (models.Settings, error)
	UpdateConfig(ctx context.Context, patch models.SettingsPatch) (models.Settings, error)
	LatestResults() []models.Device
	Scanning() bool
	Running() bool
	ActiveSubnet(ctx context.Context) string
	TriggerScanNow()
	TriggerSpeedTestNow(ctx context.Context) (models.SpeedResult, error)
}

// Scanner runs an ad-hoc scan outside the scheduler.
type Scanner interface {
	Scan(ctx context.Context, subnet string) ([]models.Device, error)
}

// NetworkInfo lists the host's interfaces.
type NetworkInfo interface {
	Interfaces() ([]models.NetworkInterface, error)
	DefaultSubnet() (string, bool)
}

// Dependencies holds common dependencies for API handlers
type Dependencies struct {
	Engine  Engine
	Scanner Scanner
	Network NetworkInfo
	Bus     *eventbus.EventBus
	// Metrics is mounted at the configured metrics path when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}
