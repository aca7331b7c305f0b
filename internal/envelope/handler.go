package envelope

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
)

// NewRouter builds the thin ingress surface the core ships: a single
// POST /v1/envelopes endpoint, CORS-wrapped the way the teacher wraps
// its chatserver router in cmd/chatserver/main.go.
func NewRouter(v *Validator, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/envelopes", submitHandler(v)).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(router)
}

func submitHandler(v *Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e Envelope
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := v.ValidateAndBind(r.Context(), &e); err != nil {
			kind := e2eerrors.KindOf(err)
			log.Printf("envelope rejected: kind=%v", kind)
			metrics.RecordEnvelopeValidated(false)
			metrics.RecordEnvelopeRejection(kind.String())
			http.Error(w, "envelope rejected", http.StatusBadRequest)
			return
		}
		metrics.RecordEnvelopeValidated(true)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"msgId":      e.MsgID,
			"acceptedAt": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
