// Package obs centralizes the tracing/logging handles every package in
// this module shares, the way services/gormbe/db.go does for the teacher.
package obs

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const name = "github.com/turnforge/syncfabric"

var (
	Tracer trace.Tracer = otel.Tracer(name)
	Logger *slog.Logger = otelslog.NewLogger(name)
)
