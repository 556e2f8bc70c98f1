// Package webhook receives change notifications from the backing services
// and republishes them on the event broker.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/tjfontaine/hospital-gateway/internal/metrics"
	"github.com/tjfontaine/hospital-gateway/internal/pubsub"
	"github.com/tjfontaine/hospital-gateway/internal/server"
)

// SecretHeader carries the shared secret when one is configured.
const SecretHeader = "X-Webhook-Secret"

const maxPayloadBytes = 1 << 20

// Routes maps each intake path to the topic it publishes on.
var Routes = map[string]string{
	"/appointments/created":        pubsub.TopicAppointmentCreated,
	"/appointments/updated":        pubsub.TopicAppointmentUpdated,
	"/appointments/status-changed": pubsub.TopicAppointmentStatusChanged,
	"/patients/updated":            pubsub.TopicPatientUpdated,
	"/doctors/status-changed":      pubsub.TopicDoctorStatusChanged,
}

// Handler publishes accepted payloads on a broker.
type Handler struct {
	broker pubsub.Broker
	logger *slog.Logger
}

// NewHandler creates the intake handler.
func NewHandler(broker pubsub.Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{broker: broker, logger: logger}
}

// Router returns the intake routes, guarded by secret when non-empty. It is
// meant to be mounted under /webhooks.
func (h *Handler) Router(secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(server.SharedSecretMiddleware(SecretHeader, secret))
	for path, topic := range Routes {
		r.Post(path, h.publish(topic))
	}
	return r
}

func (h *Handler) publish(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		server.AddLogField(ctx, "topic", topic)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			metrics.RecordWebhook(topic, "invalid")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
			return
		}
		if !gjson.ValidBytes(body) {
			metrics.RecordWebhook(topic, "invalid")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is not valid JSON"})
			return
		}
		id := gjson.GetBytes(body, "id")
		if !id.Exists() || id.String() == "" || (id.Type != gjson.String && id.Type != gjson.Number) {
			metrics.RecordWebhook(topic, "invalid")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload requires a non-empty id"})
			return
		}
		server.AddLogField(ctx, "entity_id", id.String())

		if err := h.broker.Publish(ctx, topic, body); err != nil {
			server.AddError(ctx, err)
			metrics.RecordWebhook(topic, "failed")
			h.logger.ErrorContext(ctx, "webhook publish failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event could not be published"})
			return
		}
		metrics.RecordWebhook(topic, "accepted")
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "topic": topic, "id": id.String()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
