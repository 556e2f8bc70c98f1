package resolvers

import (
	"context"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
)

type relations struct{}

func (relations) Fields() []graph.Field {
	return []graph.Field{
		{Type: "Department", Name: "headDoctor", Policy: auth.Public(), Resolve: departmentHead,
			Complexity: complexity.Relationship{Base: 1, Factor: 2}},
		{Type: "Department", Name: "doctors", Policy: auth.Public(), Resolve: departmentDoctors,
			Complexity: complexity.List{ItemCost: 1, MaxItems: 100, DefaultLimit: 10}},

		{Type: "Doctor", Name: "fullName", Policy: auth.Public(), Resolve: doctorFullName},
		{Type: "Doctor", Name: "department", Policy: auth.Public(), Resolve: doctorDepartment,
			Complexity: complexity.Relationship{Base: 1, Factor: 2}},
		{Type: "Doctor", Name: "appointments", Policy: auth.Authenticated(), Resolve: doctorAppointments,
			Complexity: complexity.List{ItemCost: 1, MaxItems: 100, DefaultLimit: 20}},
		{Type: "Doctor", Name: "appointmentsOn", Policy: auth.Authenticated(), Resolve: doctorAppointmentsOn,
			Complexity: complexity.List{ItemCost: 1, DefaultLimit: 10}},

		{Type: "Patient", Name: "fullName", Policy: auth.Authenticated(), Resolve: patientFullName},
		{Type: "Patient", Name: "appointments", Policy: auth.Authenticated(), Resolve: patientAppointments,
			Complexity: complexity.List{ItemCost: 1, MaxItems: 100, DefaultLimit: 20}},

		{Type: "Appointment", Name: "doctor", Policy: auth.Authenticated(), Resolve: appointmentDoctor,
			Complexity: complexity.Relationship{Base: 1, Factor: 2}},
		{Type: "Appointment", Name: "patient", Policy: auth.Authenticated(), Resolve: appointmentPatient,
			Complexity: complexity.Relationship{Base: 1, Factor: 2}},

		{Type: "Viewer", Name: "doctor", Policy: auth.Authenticated(), Resolve: viewerDoctor},
		{Type: "Viewer", Name: "patient", Policy: auth.Authenticated(), Resolve: viewerPatient},
	}
}

func departmentHead(ctx context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Department)
	if d.HeadDoctorID == nil || *d.HeadDoctorID == "" {
		return nil, nil
	}
	return await(loaders(ctx).DoctorByID.Load(*d.HeadDoctorID)), nil
}

func departmentDoctors(ctx context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Department)
	l := loaders(ctx)
	return awaitThen(l.DoctorsByDepartment.Load(d.ID), func(docs []*hospital.Doctor) (any, error) {
		l.PrimeDoctors(docs)
		return docs, nil
	}), nil
}

func doctorFullName(_ context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Doctor)
	return fullName(d.FirstName, d.LastName), nil
}

func doctorDepartment(ctx context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Doctor)
	if d.DepartmentID == "" {
		return nil, nil
	}
	return await(loaders(ctx).DepartmentByID.Load(d.DepartmentID)), nil
}

// visibleAppointments keeps the first limit appointments the caller may
// see. limit <= 0 keeps all of them.
func visibleAppointments(id *domain.Identity, appts []*hospital.Appointment, limit int) []*hospital.Appointment {
	out := make([]*hospital.Appointment, 0, len(appts))
	for _, a := range appts {
		if limit > 0 && len(out) == limit {
			break
		}
		if canSeeAppointment(id, a) {
			out = append(out, a)
		}
	}
	return out
}

func doctorAppointments(ctx context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Doctor)
	id := request(ctx).Identity()
	limit := graph.ArgInt(p.Args, "limit", 20)
	return awaitThen(loaders(ctx).AppointmentsByDoctor.Load(d.ID), func(appts []*hospital.Appointment) (any, error) {
		return visibleAppointments(id, appts, limit), nil
	}), nil
}

func doctorAppointmentsOn(ctx context.Context, p graph.ResolveParams) (any, error) {
	d := p.Source.(*hospital.Doctor)
	id := request(ctx).Identity()
	key := hospital.DoctorDateKey{DoctorID: d.ID, Date: graph.ArgString(p.Args, "date")}
	return awaitThen(loaders(ctx).AppointmentsByDoctorDate.Load(key), func(appts []*hospital.Appointment) (any, error) {
		return visibleAppointments(id, appts, 0), nil
	}), nil
}

func patientFullName(_ context.Context, p graph.ResolveParams) (any, error) {
	pt := p.Source.(*hospital.Patient)
	return fullName(pt.FirstName, pt.LastName), nil
}

func patientAppointments(ctx context.Context, p graph.ResolveParams) (any, error) {
	pt := p.Source.(*hospital.Patient)
	id := request(ctx).Identity()
	limit := graph.ArgInt(p.Args, "limit", 20)
	return awaitThen(loaders(ctx).AppointmentsByPatient.Load(pt.ID), func(appts []*hospital.Appointment) (any, error) {
		return visibleAppointments(id, appts, limit), nil
	}), nil
}

func appointmentDoctor(ctx context.Context, p graph.ResolveParams) (any, error) {
	a := p.Source.(*hospital.Appointment)
	if a.DoctorID == "" {
		return nil, nil
	}
	return await(loaders(ctx).DoctorByID.Load(a.DoctorID)), nil
}

func appointmentPatient(ctx context.Context, p graph.ResolveParams) (any, error) {
	a := p.Source.(*hospital.Appointment)
	if a.PatientID == "" {
		return nil, nil
	}
	if !canSeePatient(request(ctx).Identity(), a.PatientID) {
		return nil, domain.ErrForbidden("patient " + a.PatientID)
	}
	return await(loaders(ctx).PatientByID.Load(a.PatientID)), nil
}

func viewerDoctor(ctx context.Context, p graph.ResolveParams) (any, error) {
	v := p.Source.(*viewer)
	if v.identity.Role != domain.RoleDoctor || v.identity.LinkedEntityID == "" {
		return nil, nil
	}
	return await(loaders(ctx).DoctorByID.Load(v.identity.LinkedEntityID)), nil
}

func viewerPatient(ctx context.Context, p graph.ResolveParams) (any, error) {
	v := p.Source.(*viewer)
	if v.identity.Role != domain.RolePatient || v.identity.LinkedEntityID == "" {
		return nil, nil
	}
	return await(loaders(ctx).PatientByID.Load(v.identity.LinkedEntityID)), nil
}
