package hospital

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

type fakeServices struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeServices) hits(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeServices) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.RequestURI())
	f.mu.Unlock()

	reply := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/doctors/"):
		id := strings.TrimPrefix(r.URL.Path, "/doctors/")
		if strings.HasPrefix(id, "missing") {
			reply(http.StatusNotFound, map[string]any{"success": false, "error": "doctor not found"})
			return
		}
		reply(http.StatusOK, map[string]any{"success": true, "data": Doctor{ID: id, FirstName: "Doc " + id}})
	case r.URL.Path == "/appointments":
		if r.URL.Query().Get("doctorId") == "empty" {
			reply(http.StatusOK, map[string]any{"success": true, "data": nil})
			return
		}
		reply(http.StatusOK, map[string]any{"success": true, "data": []Appointment{
			{ID: "a1", DoctorID: r.URL.Query().Get("doctorId"), Status: AppointmentScheduled},
		}})
	case r.URL.Path == "/patients" && r.Method == http.MethodGet:
		reply(http.StatusOK, map[string]any{
			"success":    true,
			"data":       []Patient{{ID: "p1"}, {ID: "p2"}},
			"pagination": map[string]any{"page": 1, "limit": 2, "total": 9, "totalPages": 5},
		})
	case r.URL.Path == "/patients" && r.Method == http.MethodPost:
		reply(http.StatusUnprocessableEntity, map[string]any{"success": false, "error": map[string]any{"message": "email is required"}})
	default:
		reply(http.StatusServiceUnavailable, map[string]any{"success": false, "error": "down"})
	}
}

func newSession(t *testing.T) (*upstream.Session, *fakeServices) {
	t.Helper()
	fake := &fakeServices{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	services := map[string]string{}
	for _, name := range []string{ServiceDepartments, ServiceDoctors, ServicePatients, ServiceAppointments} {
		services[name] = srv.URL
	}
	client, err := upstream.NewClient(services, upstream.WithMaxRetries(0))
	require.NoError(t, err)
	return client.Session("req-test", "en"), fake
}

func TestLoaders_DoctorByIDDeduplicates(t *testing.T) {
	session, fake := newSession(t)
	l := NewLoaders(session, nil)

	f1 := l.DoctorByID.Load("d1")
	f2 := l.DoctorByID.Load("d2")
	f3 := l.DoctorByID.Load("d1")
	l.Registry.Flush(context.Background())

	assert.Equal(t, 2, fake.hits("/doctors/"))
	assert.Same(t, f1.Value(), f3.Value())
	assert.Equal(t, "d2", f2.Value().ID)
}

func TestLoaders_PartialFailure(t *testing.T) {
	session, _ := newSession(t)
	l := NewLoaders(session, nil)

	ids := []string{"d1", "missing-1", "d3", "missing-2", "d5"}
	futures := l.DoctorByID.LoadMany(ids)
	l.Registry.Flush(context.Background())

	var ok int
	for i, f := range futures {
		require.True(t, f.Done())
		if strings.HasPrefix(ids[i], "missing") {
			assert.Nil(t, f.Value())
			continue
		}
		ok++
		assert.Equal(t, ids[i], f.Value().ID)
	}
	assert.Equal(t, 3, ok)
}

func TestLoaders_ListLoaderNeverNil(t *testing.T) {
	session, _ := newSession(t)
	l := NewLoaders(session, nil)

	some := l.AppointmentsByDoctor.Load("d1")
	none := l.AppointmentsByDoctor.Load("empty")
	failed := l.DoctorsByDepartment.Load("dep-1")
	l.Registry.Flush(context.Background())

	require.Len(t, some.Value(), 1)
	assert.Equal(t, "d1", some.Value()[0].DoctorID)
	assert.NotNil(t, none.Value())
	assert.Empty(t, none.Value())
	assert.NotNil(t, failed.Value())
	assert.Empty(t, failed.Value())
}

func TestLoaders_CompositeKey(t *testing.T) {
	session, fake := newSession(t)
	l := NewLoaders(session, nil)

	k := DoctorDateKey{DoctorID: "d7", Date: "2026-03-01"}
	a := l.AppointmentsByDoctorDate.Load(k)
	b := l.AppointmentsByDoctorDate.Load(k)
	l.Registry.Flush(context.Background())

	assert.Same(t, a, b)
	assert.Len(t, a.Value(), 1)
	assert.Equal(t, 1, fake.hits("/appointments?"))
}

func TestLoaders_PrimeSkipsFetch(t *testing.T) {
	session, fake := newSession(t)
	l := NewLoaders(session, nil)

	l.PrimeDoctors([]*Doctor{{ID: "d9"}})
	f := l.DoctorByID.Load("d9")
	assert.True(t, f.Done())
	assert.False(t, l.Registry.Pending())
	assert.Equal(t, 0, fake.hits("/doctors/"))
}

func TestAPI_ListPatients(t *testing.T) {
	session, _ := newSession(t)
	page, err := NewAPI(session).ListPatients(context.Background(), PageArgs{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	require.NotNil(t, page.Pagination)
	assert.Equal(t, 5, page.Pagination.TotalPages)
}

func TestAPI_ErrorKinds(t *testing.T) {
	session, _ := newSession(t)
	api := NewAPI(session)

	_, err := api.CreatePatient(context.Background(), map[string]any{})
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))

	_, err = api.ListDepartments(context.Background())
	assert.Equal(t, domain.KindUpstream, domain.KindOf(err))

	_, err = api.UpdateDoctor(context.Background(), "missing-3", map[string]any{"status": DoctorBusy})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
