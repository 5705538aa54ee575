// Package httpapi is the concrete REST surface of the RequestGateway:
// the versioned /api/v1 routes, the RFC-7807 error body shape, and the
// kebab-case wire <-> camelCase internal model anti-corruption mapping.
// Routing is github.com/go-chi/chi/v5.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CrisisTextLine/kafka-harness/internal/gateway"
	"github.com/CrisisTextLine/kafka-harness/internal/harnesserr"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// NewRouter builds the chi router exposing the gateway's full HTTP surface.
func NewRouter(gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/test/initialize", initializeHandler(gw))
		r.Post("/test/start", startHandler(gw))
		r.Get("/test/{testId}/status", statusHandler(gw))
		r.Get("/queue/status", queueStatusHandler(gw))
		r.Delete("/test/{testId}", cancelHandler(gw))
	})

	return r
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func initializeHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		testID, err := gw.InitializeTest(r.Context())
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"test-id": testID.String()})
	}
}

type startRequestWire struct {
	TestID   string `json:"test-id"`
	Bucket   string `json:"bucket"`
	TestType string `json:"test-type"`
}

func startHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startRequestWire
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "malformed request body"))
			return
		}
		testID, err := model.ParseTestID(body.TestID)
		if err != nil {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "unknown or malformed test-id"))
			return
		}
		if body.Bucket == "" {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "bucket is required"))
			return
		}
		resp, err := gw.StartTest(r.Context(), testID, body.Bucket, body.TestType)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		if !resp.Accepted {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "bucket unreadable or test-id not found"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"test-id":   resp.TestID.String(),
			"accepted":  resp.Accepted,
			"test-type": resp.TestType,
		})
	}
}

func statusHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		testID, err := model.ParseTestID(chi.URLParam(r, "testId"))
		if err != nil {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "malformed test-id"))
			return
		}
		status, found, err := gw.TestStatus(r.Context(), testID)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		if !found {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "unknown test-id"))
			return
		}
		writeJSON(w, http.StatusOK, statusWire(status))
	}
}

func queueStatusHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if testIDRaw := r.URL.Query().Get("testId"); testIDRaw != "" {
			testID, err := model.ParseTestID(testIDRaw)
			if err != nil {
				writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "malformed testId"))
				return
			}
			status, found, err := gw.TestStatus(r.Context(), testID)
			if err != nil {
				writeProblem(w, r, err)
				return
			}
			if !found {
				writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "unknown test-id"))
				return
			}
			writeJSON(w, http.StatusOK, statusWire(status))
			return
		}

		snap, err := gw.QueueStatus(r.Context())
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, queueSnapshotWire(snap))
	}
}

func cancelHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		testID, err := model.ParseTestID(chi.URLParam(r, "testId"))
		if err != nil {
			writeProblem(w, r, harnesserr.New(harnesserr.ValidationFailed, "malformed test-id"))
			return
		}
		resp, err := gw.CancelTest(r.Context(), testID)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		body := map[string]interface{}{
			"test-id":   testID.String(),
			"cancelled": resp.Cancelled,
		}
		if !resp.Cancelled {
			body["message"] = "test already in a terminal state"
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func statusWire(s model.TestStatus) map[string]interface{} {
	body := map[string]interface{}{
		"test-id":   s.TestID.String(),
		"state":     string(s.State),
		"bucket":    s.Bucket,
		"test-type": s.TestType,
	}
	if s.StartTime != nil {
		body["start-time"] = s.StartTime.Format(time.RFC3339)
	}
	if s.EndTime != nil {
		body["end-time"] = s.EndTime.Format(time.RFC3339)
	}
	if s.Success != nil {
		body["success"] = *s.Success
	}
	if s.Error != "" {
		body["error"] = s.Error
	}
	return body
}

func queueSnapshotWire(snap model.QueueSnapshot) map[string]interface{} {
	counts := make(map[string]int, len(snap.Counts))
	for state, n := range snap.Counts {
		counts[string(state)] = n
	}
	body := map[string]interface{}{"counts": counts}
	if snap.Testing != nil {
		body["testing"] = snap.Testing.String()
	}
	return body
}

// problem is the RFC-7807-inspired error body returned for every failure.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	var herr *harnesserr.Error
	status := http.StatusInternalServerError
	kind := harnesserr.Internal
	if errors.As(err, &herr) {
		kind = herr.Kind
		status = herr.Kind.HTTPStatus()
	}
	// unknown/malformed identifiers are modelled as ValidationFailed but
	// surfaced as 404, not 400.
	if kind == harnesserr.ValidationFailed && status == http.StatusBadRequest && isNotFoundDetail(herr.Message) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, problem{
		Type:     "https://harness.internal/errors/" + string(kind),
		Title:    string(kind),
		Status:   status,
		Detail:   safeDetail(herr),
		Instance: r.URL.Path,
	})
}

func isNotFoundDetail(msg string) bool {
	return msg == "unknown test-id" || msg == "unknown or malformed test-id" || msg == "unknown testId" ||
		msg == "malformed test-id" || msg == "malformed testId"
}

// safeDetail returns Message if herr is non-nil (redacted by construction
// — harnesserr.Error.Message is never the raw Cause string), falling
// back to a generic detail for any error not already wrapped as *Error.
func safeDetail(herr *harnesserr.Error) string {
	if herr == nil {
		return "an internal error occurred"
	}
	return herr.Message
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
