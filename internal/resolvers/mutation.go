package resolvers

import (
	"context"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
)

type mutations struct{}

func (mutations) Fields() []graph.Field {
	write := complexity.Fixed(10)
	return []graph.Field{
		{Type: "Mutation", Name: "createAppointment", Policy: auth.Authenticated(), Resolve: createAppointment, Complexity: write},
		{Type: "Mutation", Name: "updateAppointmentStatus", Policy: auth.Permission(domain.PermAppointmentsWrite), Resolve: updateAppointmentStatus, Complexity: write},
		{Type: "Mutation", Name: "cancelAppointment", Policy: auth.Authenticated(), Resolve: cancelAppointment, Complexity: write},
		{Type: "Mutation", Name: "createPatient", Policy: auth.Permission(domain.PermPatientsWrite), Resolve: createPatient, Complexity: write},
		{Type: "Mutation", Name: "updatePatient", Policy: auth.Permission(domain.PermPatientsWrite), Resolve: updatePatient, Complexity: write},
		{Type: "Mutation", Name: "createDoctor", Policy: auth.Permission(domain.PermDoctorsWrite), Resolve: createDoctor, Complexity: write},
		{Type: "Mutation", Name: "updateDoctor", Policy: auth.Permission(domain.PermDoctorsWrite), Resolve: updateDoctor, Complexity: write},
		{Type: "Mutation", Name: "createDepartment", Policy: auth.Permission(domain.PermDepartmentsWrite), Resolve: createDepartment, Complexity: write},
	}
}

// createAppointment books an appointment. Patients may only book for
// themselves.
func createAppointment(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	input := graph.Input(graph.ArgObject(p.Args, "input"))
	patientID := graph.ArgString(input, "patientId")
	if id.Role == domain.RolePatient && !id.Owns(patientID) {
		return nil, domain.ErrForbidden("appointments for patient " + patientID)
	}
	if _, ok := input["durationMinutes"]; !ok {
		input["durationMinutes"] = 30
	}
	if _, ok := input["status"]; !ok {
		input["status"] = hospital.AppointmentScheduled
	}
	a, err := api(ctx).CreateAppointment(ctx, input)
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeAppointments([]*hospital.Appointment{a})
	return a, nil
}

func updateAppointmentStatus(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	apptID := graph.ArgString(p.Args, "id")
	status := graph.ArgString(p.Args, "status")
	notes := graph.ArgOptionalString(p.Args, "notes")
	l := loaders(ctx)

	// Doctors may only move their own appointments.
	return awaitThen(l.AppointmentByID.Load(apptID), func(existing *hospital.Appointment) (any, error) {
		if existing == nil {
			return nil, domain.ErrNotFound("appointment", apptID)
		}
		if !canSeeAppointment(id, existing) {
			return nil, domain.ErrForbidden("appointment " + apptID)
		}
		a, err := api(ctx).UpdateAppointmentStatus(ctx, apptID, status, notes)
		if err != nil {
			return nil, err
		}
		l.PrimeAppointments([]*hospital.Appointment{a})
		return a, nil
	}), nil
}

func cancelAppointment(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	apptID := graph.ArgString(p.Args, "id")
	reason := graph.ArgOptionalString(p.Args, "reason")
	l := loaders(ctx)

	return awaitThen(l.AppointmentByID.Load(apptID), func(existing *hospital.Appointment) (any, error) {
		if existing == nil {
			return nil, domain.ErrNotFound("appointment", apptID)
		}
		if !canSeeAppointment(id, existing) {
			return nil, domain.ErrForbidden("appointment " + apptID)
		}
		if existing.Status == hospital.AppointmentCancelled || existing.Status == hospital.AppointmentCompleted {
			return nil, domain.ErrBadRequest("appointment " + apptID + " is already " + existing.Status)
		}
		a, err := api(ctx).CancelAppointment(ctx, apptID, reason)
		if err != nil {
			return nil, err
		}
		l.PrimeAppointments([]*hospital.Appointment{a})
		return a, nil
	}), nil
}

func createPatient(ctx context.Context, p graph.ResolveParams) (any, error) {
	pt, err := api(ctx).CreatePatient(ctx, graph.Input(graph.ArgObject(p.Args, "input")))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimePatients([]*hospital.Patient{pt})
	return pt, nil
}

func updatePatient(ctx context.Context, p graph.ResolveParams) (any, error) {
	pt, err := api(ctx).UpdatePatient(ctx, graph.ArgString(p.Args, "id"), graph.Input(graph.ArgObject(p.Args, "input")))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimePatients([]*hospital.Patient{pt})
	return pt, nil
}

func createDoctor(ctx context.Context, p graph.ResolveParams) (any, error) {
	d, err := api(ctx).CreateDoctor(ctx, graph.Input(graph.ArgObject(p.Args, "input")))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDoctors([]*hospital.Doctor{d})
	return d, nil
}

func updateDoctor(ctx context.Context, p graph.ResolveParams) (any, error) {
	d, err := api(ctx).UpdateDoctor(ctx, graph.ArgString(p.Args, "id"), graph.Input(graph.ArgObject(p.Args, "input")))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDoctors([]*hospital.Doctor{d})
	return d, nil
}

func createDepartment(ctx context.Context, p graph.ResolveParams) (any, error) {
	d, err := api(ctx).CreateDepartment(ctx, graph.Input(graph.ArgObject(p.Args, "input")))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDepartments([]*hospital.Department{d})
	return d, nil
}
