// Package device exposes drivers and the devices they manage as bus services.
//
// A driver binds the /service/driver contract on its node. A device binds
// /service/device at $device/<guid> and one /protocol/<name> contract per
// channel; channel state travels as validated events.
package device

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/service"
	"github.com/nfrund/sphere/internal/topicmgr"
)

var validate = validator.New()

// Deps are the shared services drivers and devices are built on.
type Deps struct {
	Bus     *bus.Bus          `validate:"required"`
	Binder  *service.Binder   `validate:"required"`
	Schemas schema.Registry   `validate:"required"`
	Topics  *topicmgr.Manager `validate:"required"`
	NodeID  string            `validate:"required"`
	Log     *slog.Logger
}

func (d Deps) check(op string) error {
	if err := validate.Struct(d); err != nil {
		return errs.Wrap(errs.Validation, op, err, "incomplete dependencies")
	}
	return nil
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}
