package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Requests attaches logger to each request context and writes one line per request.
// requestID is read before the wrapped handler runs, so the id must already be on the request.
func Requests(logger zerolog.Logger, requestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			reqLogger := logger.With().Str("request_id", requestID(r)).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			event := reqLogger.Info()
			if rec.status >= http.StatusInternalServerError {
				event = reqLogger.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
