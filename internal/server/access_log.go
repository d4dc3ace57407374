package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jacksonlee411/payroll-console/internal/routing"
	"go.uber.org/zap"
)

type requestIDCtxKey struct{}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDCtxKey{}).(string)
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func withAccessLog(classifier *routing.Classifier, logger *zap.Logger, metrics *consoleMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 64 {
			if v, err := uuid.NewV7(); err == nil {
				id = v.String()
			}
		}
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDCtxKey{}, id))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		rc := classifier.Classify(r.URL.Path)
		metrics.requests.WithLabelValues(string(rc), strconv.Itoa(rec.status)).Inc()

		if rc == routing.RouteClassOps || rc == routing.RouteClassStatic {
			return
		}
		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route_class", string(rc)),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(started)),
			zap.String("client_ip", clientIP(r)),
		)
	})
}
