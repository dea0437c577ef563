package middlewares

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
)

// statusRecorder captures the status and size of a response, optionally
// logging the body at debug level
type statusRecorder struct {
	http.ResponseWriter

	ctx         context.Context
	statusCode  int
	size        int
	logBody     bool
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		if rw.logBody {
			logging.Logger(rw.ctx).Debugf("response headers: %+v", rw.ResponseWriter.Header())
		}
	}

	size, err := rw.ResponseWriter.Write(b)
	rw.size += size

	if err == nil && rw.logBody {
		logging.Logger(rw.ctx).Debugf("wrote %d bytes: %s", size, b[:size])
	}
	return size, err
}

// bodyLogger logs every read of a request body
type bodyLogger struct {
	io.ReadCloser
	ctx context.Context
}

func (lr bodyLogger) Read(b []byte) (size int, err error) {
	size, err = lr.ReadCloser.Read(b)
	if size > 0 {
		logging.Logger(lr.ctx).Debugf("read %d bytes: %s", size, b[:size])
	}

	return size, err
}

// LoggingMw tags each request with a transaction ID and writes one audit
// line when it completes
type LoggingMw struct {
	logRequests bool
	next        http.Handler
}

func NewLoggingMw(logRequests bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewLogging(logRequests, next)
	}
}

func NewLogging(logRequests bool, next http.Handler) *LoggingMw {
	return &LoggingMw{next: next, logRequests: logRequests}
}

func (mw *LoggingMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	txnID := uuid.New().String()
	startTime := time.Now()

	// Set before anything writes a response body
	rw.Header().Set("X-Txn-ID", txnID)

	r = r.WithContext(logging.WithTxnID(r.Context(), txnID))

	if mw.logRequests {
		logging.Logger(r.Context()).Debugf("request headers: %+v", r.Header)
		r.Body = bodyLogger{ReadCloser: r.Body, ctx: r.Context()}
	}

	rec := &statusRecorder{
		ResponseWriter: rw,
		ctx:            r.Context(),
		statusCode:     http.StatusOK,
		logBody:        mw.logRequests,
	}
	mw.next.ServeHTTP(rec, r)

	logging.Component("http").WithFields(
		logrus.Fields{
			"entrytype":   "audit",
			"status":      rec.statusCode,
			"method":      r.Method,
			"host":        r.Host,
			"remote":      r.RemoteAddr,
			"start":       startTime.Format(time.RFC3339Nano),
			"duration":    time.Since(startTime),
			"path":        r.URL.String(),
			"txnid":       txnID,
			"correlation": r.Header.Get(DefaultCorrelationHeader),
			"size":        rec.size,
		},
	).Info(http.StatusText(rec.statusCode))
}
