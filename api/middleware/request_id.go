package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/lotledger/api/responses"
	"github.com/angelmondragon/lotledger/pkg/logger"
)

const maxRequestIDLen = 64

// RequestID echoes a caller-supplied correlation id, or mints one, and puts
// it on the response and the logging context.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(responses.RequestIDHeader)
			if !usableRequestID(reqID) {
				reqID = uuid.NewString()
			}
			w.Header().Set(responses.RequestIDHeader, reqID)
			next.ServeHTTP(w, r.WithContext(logg.WithRequestID(r.Context(), reqID)))
		})
	}
}

// usableRequestID accepts short printable ASCII ids so a hostile header
// cannot bloat or break log lines.
func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
