package resolvers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/pubsub"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

type subscriptions struct {
	broker pubsub.Broker
	logger *slog.Logger
}

func (s subscriptions) Fields() []graph.Field {
	return []graph.Field{
		{Type: "Subscription", Name: "appointmentUpdated", Policy: auth.Authenticated(), Subscribe: s.appointmentUpdated},
		{Type: "Subscription", Name: "appointmentCreated", Policy: auth.Authenticated(), Subscribe: s.appointmentCreated},
		{Type: "Subscription", Name: "patientUpdated", Policy: auth.Authenticated(), Subscribe: s.patientUpdated},
		{Type: "Subscription", Name: "doctorStatusChanged", Policy: auth.Public(), Subscribe: s.doctorStatusChanged},
	}
}

func (s subscriptions) appointmentUpdated(ctx context.Context, args map[string]any) (<-chan any, error) {
	id := identity(ctx)
	doctorID := graph.ArgString(args, "doctorId")
	return stream(ctx, s, []string{pubsub.TopicAppointmentUpdated, pubsub.TopicAppointmentStatusChanged},
		func(a *hospital.Appointment) bool {
			if doctorID != "" && a.DoctorID != doctorID {
				return false
			}
			return canSeeAppointment(id, a)
		})
}

func (s subscriptions) appointmentCreated(ctx context.Context, _ map[string]any) (<-chan any, error) {
	id := identity(ctx)
	return stream(ctx, s, []string{pubsub.TopicAppointmentCreated},
		func(a *hospital.Appointment) bool {
			return canSeeAppointment(id, a)
		})
}

func (s subscriptions) patientUpdated(ctx context.Context, args map[string]any) (<-chan any, error) {
	id := identity(ctx)
	patientID := graph.ArgString(args, "id")
	if patientID != "" && !canSeePatient(id, patientID) {
		return nil, domain.ErrForbidden("patient " + patientID)
	}
	return stream(ctx, s, []string{pubsub.TopicPatientUpdated},
		func(p *hospital.Patient) bool {
			if patientID != "" && p.ID != patientID {
				return false
			}
			return canSeePatient(id, p.ID)
		})
}

func (s subscriptions) doctorStatusChanged(ctx context.Context, args map[string]any) (<-chan any, error) {
	departmentID := graph.ArgString(args, "departmentId")
	return stream(ctx, s, []string{pubsub.TopicDoctorStatusChanged},
		func(d *hospital.Doctor) bool {
			return departmentID == "" || d.DepartmentID == departmentID
		})
}

func identity(ctx context.Context) *domain.Identity {
	if rc := reqctx.From(ctx); rc != nil {
		return rc.Identity()
	}
	return nil
}

// stream subscribes to every topic, decodes each payload as a T and
// forwards those that pass keep. The returned channel closes once every
// topic subscription has ended.
func stream[T any](ctx context.Context, s subscriptions, topics []string, keep func(*T) bool) (<-chan any, error) {
	if s.broker == nil {
		return nil, errors.New("resolvers: no event broker configured")
	}
	var (
		sources = make([]<-chan pubsub.Event, 0, len(topics))
		cancels = make([]func(), 0, len(topics))
	)
	for _, topic := range topics {
		ch, cancel, err := s.broker.Subscribe(ctx, topic)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, domain.Wrap(domain.KindInternal, "subscription.unavailable", err)
		}
		sources = append(sources, ch)
		cancels = append(cancels, cancel)
	}

	out := make(chan any)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan pubsub.Event) {
			defer wg.Done()
			for ev := range src {
				v := new(T)
				if err := json.Unmarshal(ev.Payload, v); err != nil {
					s.logger.Warn("dropping undecodable event", "topic", ev.Topic, "error", err)
					continue
				}
				if !keep(v) {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		for _, c := range cancels {
			c()
		}
		close(out)
	}()
	return out, nil
}
