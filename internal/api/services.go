package api

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks -source=services.go Puller,Applier,RuleLister,Pinger

import (
	"context"

	"github.com/checkapp/checkapp-sync-server/internal/apply"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/rules"
)

// Puller serves pull requests.
type Puller interface {
	Pull(ctx context.Context, tenant, table string, opts fetch.Options) (*fetch.Result, error)
}

// Applier serves push requests.
type Applier interface {
	Apply(ctx context.Context, tenant string, batch apply.Batch) (*apply.Result, error)
}

// RuleLister serves the audit rule catalogue.
type RuleLister interface {
	List(ctx context.Context, tenant string, req rules.Request) *rules.List
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the components the API exposes.
type Services struct {
	Puller  Puller
	Applier Applier
	Rules   RuleLister
	Pinger  Pinger
}
