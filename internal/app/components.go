package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/checkapp/checkapp-sync-server/internal/apply"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/notify"
	"github.com/checkapp/checkapp-sync-server/internal/rules"
	"github.com/checkapp/checkapp-sync-server/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	Pool      *pgxpool.Pool
	Telemetry *telemetry.Telemetry
	Notifier  notify.Notifier

	Fetch *fetch.Engine
	Apply *apply.Engine
	Rules *rules.Service
}
