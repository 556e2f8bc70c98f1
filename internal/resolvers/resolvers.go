// Package resolvers binds the hospital schema to the backing services.
// Every field that needs more than the default struct lookup is listed
// here; the set of modules is composed explicitly by All.
package resolvers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/loader"
	"github.com/tjfontaine/hospital-gateway/internal/pubsub"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

// Deps are the long-lived collaborators of the resolvers.
type Deps struct {
	Broker pubsub.Broker
	Logger *slog.Logger
}

// All returns every resolver module.
func All(deps Deps) []graph.Module {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return []graph.Module{
		queries{},
		relations{},
		mutations{},
		subscriptions{broker: deps.Broker, logger: deps.Logger},
	}
}

// Register builds the registry for schema with every module.
func Register(reg *graph.Registry, deps Deps) error {
	return reg.RegisterModules(All(deps)...)
}

func request(ctx context.Context) *reqctx.RequestContext {
	return reqctx.MustFrom(ctx)
}

func loaders(ctx context.Context) *hospital.Loaders {
	return request(ctx).Loaders()
}

func api(ctx context.Context) *hospital.API {
	return request(ctx).API()
}

// await defers reading f until the next loader flush.
func await[V any](f *loader.Future[V]) graph.Thunk {
	return func() (any, error) {
		return f.Value(), nil
	}
}

// awaitThen defers reading f and passes the value through fn.
func awaitThen[V any](f *loader.Future[V], fn func(V) (any, error)) graph.Thunk {
	return func() (any, error) {
		return fn(f.Value())
	}
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

// canSeeAppointment applies record scoping: admins see every appointment,
// doctors and patients only those linked to their own record.
func canSeeAppointment(id *domain.Identity, a *hospital.Appointment) bool {
	if id == nil || a == nil {
		return false
	}
	if id.Role == domain.RoleAdmin {
		return true
	}
	return id.Owns(a.DoctorID) || id.Owns(a.PatientID)
}

// canSeePatient lets staff with patients:read through and patients only to
// their own record.
func canSeePatient(id *domain.Identity, patientID string) bool {
	return id.Can(domain.PermPatientsRead) || id.Owns(patientID)
}
