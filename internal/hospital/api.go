package hospital

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

// API performs the list and write calls that do not go through a loader.
type API struct {
	session *upstream.Session
}

// NewAPI binds the calls to one request's upstream session.
func NewAPI(session *upstream.Session) *API {
	return &API{session: session}
}

// PageArgs selects a page of a list endpoint.
type PageArgs struct {
	Page  int
	Limit int
}

func (p PageArgs) values() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	return v
}

// DoctorSearch is the filter accepted by SearchDoctors.
type DoctorSearch struct {
	Query          string
	Specialization string
	DepartmentID   string
	Status         string
	Limit          int
}

// AppointmentFilter narrows ListAppointments.
type AppointmentFilter struct {
	PageArgs
	Status    string
	DoctorID  string
	PatientID string
	From      string
	To        string
}

func (api *API) ListDepartments(ctx context.Context) ([]*Department, error) {
	var out []*Department
	resp := api.session.Request(ctx, upstream.Get(ServiceDepartments, "/departments", nil))
	if err := decode(resp, ServiceDepartments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (api *API) ListDoctors(ctx context.Context, page PageArgs, departmentID string) (*Page[*Doctor], error) {
	q := page.values()
	if departmentID != "" {
		q.Set("departmentId", departmentID)
	}
	return list[*Doctor](ctx, api.session, upstream.Get(ServiceDoctors, "/doctors", q))
}

func (api *API) SearchDoctors(ctx context.Context, s DoctorSearch) ([]*Doctor, error) {
	q := url.Values{"q": {s.Query}}
	setIf(q, "specialization", s.Specialization)
	setIf(q, "departmentId", s.DepartmentID)
	setIf(q, "status", s.Status)
	if s.Limit > 0 {
		q.Set("limit", strconv.Itoa(s.Limit))
	}
	var out []*Doctor
	resp := api.session.Request(ctx, upstream.Get(ServiceDoctors, "/doctors/search", q))
	if err := decode(resp, ServiceDoctors, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (api *API) ListPatients(ctx context.Context, page PageArgs) (*Page[*Patient], error) {
	return list[*Patient](ctx, api.session, upstream.Get(ServicePatients, "/patients", page.values()))
}

func (api *API) ListAppointments(ctx context.Context, f AppointmentFilter) (*Page[*Appointment], error) {
	q := f.values()
	setIf(q, "status", f.Status)
	setIf(q, "doctorId", f.DoctorID)
	setIf(q, "patientId", f.PatientID)
	setIf(q, "from", f.From)
	setIf(q, "to", f.To)
	return list[*Appointment](ctx, api.session, upstream.Get(ServiceAppointments, "/appointments", q))
}

func (api *API) CreateAppointment(ctx context.Context, input map[string]any) (*Appointment, error) {
	return write[Appointment](ctx, api.session, upstream.Post(ServiceAppointments, "/appointments", input))
}

func (api *API) UpdateAppointmentStatus(ctx context.Context, id, status string, notes *string) (*Appointment, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	return write[Appointment](ctx, api.session, upstream.CallSpec{
		Service: ServiceAppointments,
		Method:  http.MethodPatch,
		Path:    "/appointments/" + url.PathEscape(id) + "/status",
		Body:    body,
	})
}

func (api *API) CancelAppointment(ctx context.Context, id string, reason *string) (*Appointment, error) {
	body := map[string]any{}
	if reason != nil {
		body["reason"] = *reason
	}
	return write[Appointment](ctx, api.session,
		upstream.Post(ServiceAppointments, "/appointments/"+url.PathEscape(id)+"/cancel", body))
}

func (api *API) CreatePatient(ctx context.Context, input map[string]any) (*Patient, error) {
	return write[Patient](ctx, api.session, upstream.Post(ServicePatients, "/patients", input))
}

func (api *API) UpdatePatient(ctx context.Context, id string, input map[string]any) (*Patient, error) {
	return write[Patient](ctx, api.session, put(ServicePatients, "/patients/"+url.PathEscape(id), input))
}

func (api *API) CreateDoctor(ctx context.Context, input map[string]any) (*Doctor, error) {
	return write[Doctor](ctx, api.session, upstream.Post(ServiceDoctors, "/doctors", input))
}

func (api *API) UpdateDoctor(ctx context.Context, id string, input map[string]any) (*Doctor, error) {
	return write[Doctor](ctx, api.session, put(ServiceDoctors, "/doctors/"+url.PathEscape(id), input))
}

func (api *API) CreateDepartment(ctx context.Context, input map[string]any) (*Department, error) {
	return write[Department](ctx, api.session, upstream.Post(ServiceDepartments, "/departments", input))
}

func put(service, path string, body any) upstream.CallSpec {
	return upstream.CallSpec{Service: service, Method: http.MethodPut, Path: path, Body: body}
}

func setIf(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func list[T any](ctx context.Context, s *upstream.Session, call upstream.CallSpec) (*Page[T], error) {
	resp := s.Request(ctx, call)
	var items []T
	if err := decode(resp, call.Service, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return &Page[T]{Items: items, Pagination: resp.Pagination}, nil
}

func write[T any](ctx context.Context, s *upstream.Session, call upstream.CallSpec) (*T, error) {
	var out T
	if err := decode(s.Request(ctx, call), call.Service, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// decode converts a StandardResponse into v or a typed domain error.
func decode(resp upstream.StandardResponse, service string, v any) error {
	if !resp.Success {
		return responseError(resp, service)
	}
	if err := resp.Decode(v); err != nil {
		return domain.Wrap(domain.KindUpstream, "upstream.failure", err)
	}
	return nil
}

func responseError(resp upstream.StandardResponse, service string) error {
	msg := "upstream call failed"
	code := ""
	if resp.Error != nil {
		msg, code = resp.Error.Message, resp.Error.Code
	}
	switch code {
	case "HTTP_404", "NOT_FOUND":
		return domain.New(domain.KindNotFound, "not.found", msg)
	case "HTTP_400", "HTTP_422", "VALIDATION_ERROR", "BAD_REQUEST":
		return domain.ErrBadRequest(msg)
	case "HTTP_403":
		return domain.ErrForbidden(service)
	}
	return domain.ErrUpstream(service, msg)
}
