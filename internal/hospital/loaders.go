package hospital

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"

	"github.com/tjfontaine/hospital-gateway/internal/loader"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

// Batch ceilings per loader shape.
const (
	MaxBatchByID      = 100
	MaxBatchByParent  = 50
	MaxBatchComposite = 20

	// childListLimit bounds the page requested for one parent's children.
	childListLimit = 100
)

// Loaders is the per-request bundle of entity loaders. Every loader is
// registered with Registry so the executor can flush them together.
type Loaders struct {
	Registry *loader.Registry

	DepartmentByID  *loader.Loader[string, *Department]
	DoctorByID      *loader.Loader[string, *Doctor]
	PatientByID     *loader.Loader[string, *Patient]
	AppointmentByID *loader.Loader[string, *Appointment]

	DoctorsByDepartment   *loader.Loader[string, []*Doctor]
	AppointmentsByDoctor  *loader.Loader[string, []*Appointment]
	AppointmentsByPatient *loader.Loader[string, []*Appointment]

	AppointmentsByDoctorDate *loader.Loader[DoctorDateKey, []*Appointment]
}

// NewLoaders builds a fresh bundle over session. Bundles must not be shared
// between requests.
func NewLoaders(session *upstream.Session, logger *slog.Logger) *Loaders {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("request_id", session.RequestID()))

	l := &Loaders{
		Registry: loader.NewRegistry(),

		DepartmentByID: loader.New("department_by_id",
			batch[string, *Department](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceDepartments, "/departments/"+url.PathEscape(id), nil)
			}),
			loader.Options[*Department]{MaxBatch: MaxBatchByID, Logger: logger}),
		DoctorByID: loader.New("doctor_by_id",
			batch[string, *Doctor](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceDoctors, "/doctors/"+url.PathEscape(id), nil)
			}),
			loader.Options[*Doctor]{MaxBatch: MaxBatchByID, Logger: logger}),
		PatientByID: loader.New("patient_by_id",
			batch[string, *Patient](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServicePatients, "/patients/"+url.PathEscape(id), nil)
			}),
			loader.Options[*Patient]{MaxBatch: MaxBatchByID, Logger: logger}),
		AppointmentByID: loader.New("appointment_by_id",
			batch[string, *Appointment](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceAppointments, "/appointments/"+url.PathEscape(id), nil)
			}),
			loader.Options[*Appointment]{MaxBatch: MaxBatchByID, Logger: logger}),

		DoctorsByDepartment: loader.New("doctors_by_department",
			batch[string, []*Doctor](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceDoctors, "/doctors", childQuery("departmentId", id))
			}),
			loader.Options[[]*Doctor]{MaxBatch: MaxBatchByParent, Empty: []*Doctor{}, Logger: logger}),
		AppointmentsByDoctor: loader.New("appointments_by_doctor",
			batch[string, []*Appointment](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceAppointments, "/appointments", childQuery("doctorId", id))
			}),
			loader.Options[[]*Appointment]{MaxBatch: MaxBatchByParent, Empty: []*Appointment{}, Logger: logger}),
		AppointmentsByPatient: loader.New("appointments_by_patient",
			batch[string, []*Appointment](session, logger, func(id string) upstream.CallSpec {
				return upstream.Get(ServiceAppointments, "/appointments", childQuery("patientId", id))
			}),
			loader.Options[[]*Appointment]{MaxBatch: MaxBatchByParent, Empty: []*Appointment{}, Logger: logger}),

		AppointmentsByDoctorDate: loader.New("appointments_by_doctor_date",
			batch[DoctorDateKey, []*Appointment](session, logger, func(k DoctorDateKey) upstream.CallSpec {
				q := childQuery("doctorId", k.DoctorID)
				q.Set("date", k.Date)
				return upstream.Get(ServiceAppointments, "/appointments", q)
			}),
			loader.Options[[]*Appointment]{MaxBatch: MaxBatchComposite, Empty: []*Appointment{}, Logger: logger}),
	}

	for _, f := range []loader.Flusher{
		l.DepartmentByID, l.DoctorByID, l.PatientByID, l.AppointmentByID,
		l.DoctorsByDepartment, l.AppointmentsByDoctor, l.AppointmentsByPatient,
		l.AppointmentsByDoctorDate,
	} {
		l.Registry.Register(f)
	}
	return l
}

// PrimeDoctors seeds the by-id cache from a list result.
func (l *Loaders) PrimeDoctors(doctors []*Doctor) {
	for _, d := range doctors {
		if d != nil {
			l.DoctorByID.Prime(d.ID, d)
		}
	}
}

// PrimePatients seeds the by-id cache from a list result.
func (l *Loaders) PrimePatients(patients []*Patient) {
	for _, p := range patients {
		if p != nil {
			l.PatientByID.Prime(p.ID, p)
		}
	}
}

// PrimeAppointments seeds the by-id cache from a list result.
func (l *Loaders) PrimeAppointments(appts []*Appointment) {
	for _, a := range appts {
		if a != nil {
			l.AppointmentByID.Prime(a.ID, a)
		}
	}
}

// PrimeDepartments seeds the by-id cache from a list result.
func (l *Loaders) PrimeDepartments(deps []*Department) {
	for _, d := range deps {
		if d != nil {
			l.DepartmentByID.Prime(d.ID, d)
		}
	}
}

func childQuery(key, id string) url.Values {
	return url.Values{key: {id}, "limit": {fmt.Sprint(childListLimit)}}
}

// batch issues one upstream call per key through a single BatchRequest and
// re-associates responses with keys by position. A key whose call failed is
// left out of the result so it resolves to the loader's Empty value.
func batch[K comparable, V any](session *upstream.Session, logger *slog.Logger, callFor func(K) upstream.CallSpec) loader.BatchFunc[K, V] {
	return func(ctx context.Context, keys []K) (map[K]V, error) {
		calls := make([]upstream.CallSpec, len(keys))
		for i, k := range keys {
			calls[i] = callFor(k)
		}
		responses := session.BatchRequest(ctx, calls)

		out := make(map[K]V, len(keys))
		var failed []K
		var lastErr error
		for i, resp := range responses {
			var v V
			if err := resp.Decode(&v); err != nil {
				failed = append(failed, keys[i])
				lastErr = err
				continue
			}
			out[keys[i]] = nonNilSlice(v)
		}

		switch {
		case len(failed) == len(keys):
			return nil, fmt.Errorf("all %d calls failed: %w", len(keys), lastErr)
		case len(failed) > 0:
			logger.WarnContext(ctx, "batch partially failed",
				slog.Any("failed_keys", failed),
				slog.Int("batch_size", len(keys)),
				slog.String("error", lastErr.Error()))
		}
		return out, nil
	}
}

// nonNilSlice turns a nil slice into an empty one so list fields render as
// [] rather than null.
func nonNilSlice[V any](v V) V {
	rv := reflect.ValueOf(&v).Elem()
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		rv.Set(reflect.MakeSlice(rv.Type(), 0, 0))
	}
	return v
}
