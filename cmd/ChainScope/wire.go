//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"ChainScope/internal/biz"
	"ChainScope/internal/conf"
	"ChainScope/internal/data"
	"ChainScope/internal/metrics"
	"ChainScope/internal/server"
	"ChainScope/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Gateway, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		metrics.NewCollector,
		wire.Bind(new(biz.MetricsSink), new(*metrics.Collector)),
		newMonitor,
		newApp,
	))
}
