package resolvers

import (
	"context"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
)

type queries struct{}

func (queries) Fields() []graph.Field {
	return []graph.Field{
		{Type: "Query", Name: "departments", Policy: auth.Public(), Resolve: departments,
			Complexity: complexity.List{ItemCost: 1, DefaultLimit: 20}},
		{Type: "Query", Name: "department", Policy: auth.Public(), Resolve: department},
		{Type: "Query", Name: "doctors", Policy: auth.Public(), Resolve: doctors,
			Complexity: complexity.Pagination{Base: 1}},
		{Type: "Query", Name: "doctor", Policy: auth.Public(), Resolve: doctor},
		{Type: "Query", Name: "searchDoctors", Policy: auth.Public(), Resolve: searchDoctors,
			Complexity: complexity.Search{Base: 5, PerChar: 1, PerFilter: 2}},
		{Type: "Query", Name: "patients", Policy: auth.Permission(domain.PermPatientsRead), Resolve: patients,
			Complexity: complexity.Pagination{Base: 1}},
		{Type: "Query", Name: "patient", Policy: auth.Authenticated(), Resolve: patient},
		{Type: "Query", Name: "appointments", Policy: auth.Authenticated(), Resolve: appointments,
			Complexity: complexity.Pagination{Base: 1}},
		{Type: "Query", Name: "appointment", Policy: auth.Authenticated(), Resolve: appointment},
		{Type: "Query", Name: "doctorSchedule", Policy: auth.Authenticated(), Resolve: doctorSchedule,
			Complexity: complexity.TimeRange{Base: 2, PerDay: 1}},
		{Type: "Query", Name: "me", Policy: auth.Authenticated(), Resolve: me},
	}
}

func pageArgs(args map[string]any) hospital.PageArgs {
	return hospital.PageArgs{
		Page:  graph.ArgInt(args, "page", 1),
		Limit: graph.ArgInt(args, "limit", 10),
	}
}

func departments(ctx context.Context, _ graph.ResolveParams) (any, error) {
	deps, err := api(ctx).ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDepartments(deps)
	if deps == nil {
		deps = []*hospital.Department{}
	}
	return deps, nil
}

func department(ctx context.Context, p graph.ResolveParams) (any, error) {
	return await(loaders(ctx).DepartmentByID.Load(graph.ArgString(p.Args, "id"))), nil
}

func doctors(ctx context.Context, p graph.ResolveParams) (any, error) {
	page, err := api(ctx).ListDoctors(ctx, pageArgs(p.Args), graph.ArgString(p.Args, "departmentId"))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDoctors(page.Items)
	return page, nil
}

func doctor(ctx context.Context, p graph.ResolveParams) (any, error) {
	return await(loaders(ctx).DoctorByID.Load(graph.ArgString(p.Args, "id"))), nil
}

func searchDoctors(ctx context.Context, p graph.ResolveParams) (any, error) {
	filter := graph.ArgObject(p.Args, "filter")
	found, err := api(ctx).SearchDoctors(ctx, hospital.DoctorSearch{
		Query:          graph.ArgString(p.Args, "query"),
		Specialization: graph.ArgString(filter, "specialization"),
		DepartmentID:   graph.ArgString(filter, "departmentId"),
		Status:         graph.ArgString(filter, "status"),
		Limit:          graph.ArgInt(p.Args, "limit", 20),
	})
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeDoctors(found)
	if found == nil {
		found = []*hospital.Doctor{}
	}
	return found, nil
}

func patients(ctx context.Context, p graph.ResolveParams) (any, error) {
	page, err := api(ctx).ListPatients(ctx, pageArgs(p.Args))
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimePatients(page.Items)
	return page, nil
}

func patient(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := graph.ArgString(p.Args, "id")
	if !canSeePatient(request(ctx).Identity(), id) {
		return nil, domain.ErrForbidden("patient " + id)
	}
	return await(loaders(ctx).PatientByID.Load(id)), nil
}

// appointments lists appointments. Non-admin callers are scoped to the
// record their account is linked to.
func appointments(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	filter := hospital.AppointmentFilter{
		PageArgs: pageArgs(p.Args),
		Status:   graph.ArgString(p.Args, "status"),
	}
	switch id.Role {
	case domain.RoleAdmin:
	case domain.RoleDoctor:
		if id.LinkedEntityID == "" {
			return nil, domain.ErrForbidden("linked doctor record")
		}
		filter.DoctorID = id.LinkedEntityID
	default:
		if id.LinkedEntityID == "" {
			return nil, domain.ErrForbidden("linked patient record")
		}
		filter.PatientID = id.LinkedEntityID
	}

	page, err := api(ctx).ListAppointments(ctx, filter)
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeAppointments(page.Items)
	return page, nil
}

func appointment(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	apptID := graph.ArgString(p.Args, "id")
	return awaitThen(loaders(ctx).AppointmentByID.Load(apptID), func(a *hospital.Appointment) (any, error) {
		if a == nil {
			return nil, nil
		}
		if !canSeeAppointment(id, a) {
			return nil, domain.ErrForbidden("appointment " + apptID)
		}
		return a, nil
	}), nil
}

func doctorSchedule(ctx context.Context, p graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	filter := hospital.AppointmentFilter{
		DoctorID: graph.ArgString(p.Args, "doctorId"),
		From:     graph.ArgString(p.Args, "from"),
		To:       graph.ArgString(p.Args, "to"),
		PageArgs: hospital.PageArgs{Limit: 100},
	}
	if id.Role == domain.RolePatient {
		filter.PatientID = id.LinkedEntityID
	}
	page, err := api(ctx).ListAppointments(ctx, filter)
	if err != nil {
		return nil, err
	}
	loaders(ctx).PrimeAppointments(page.Items)
	return page.Items, nil
}

// viewer is the Viewer object of the me query.
type viewer struct {
	ID             string   `json:"id"`
	Email          *string  `json:"email"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions"`
	LinkedEntityID *string  `json:"linkedEntityId"`

	identity *domain.Identity
}

func me(ctx context.Context, _ graph.ResolveParams) (any, error) {
	id := request(ctx).Identity()
	perms := id.Permissions
	if len(perms) == 0 {
		perms = domain.DefaultPermissions[id.Role]
	}
	v := &viewer{
		ID:          id.ID,
		Role:        roleEnum(id.Role),
		Permissions: make([]string, len(perms)),
		identity:    id,
	}
	for i, perm := range perms {
		v.Permissions[i] = string(perm)
	}
	if id.Email != "" {
		v.Email = &id.Email
	}
	if id.LinkedEntityID != "" {
		v.LinkedEntityID = &id.LinkedEntityID
	}
	return v, nil
}

func roleEnum(r domain.Role) string {
	switch r {
	case domain.RoleAdmin:
		return "ADMIN"
	case domain.RoleDoctor:
		return "DOCTOR"
	default:
		return "PATIENT"
	}
}
