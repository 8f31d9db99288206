/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caplugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

// ServerConfig contains gateway server configuration options.
type ServerConfig struct {
	// Plugin is the plugin backing the gateway server.
	Plugin *Plugin

	// Logger is an optional logger. The logger can be retrieved from the
	// HTTP request context using LoggerFromContext.
	Logger Logger

	// Timeout sets a request timeout for all operations except enrollment.
	// If zero, a reasonable default will be used.
	Timeout time.Duration

	// EnrollTimeout sets a request timeout for enrollment. If zero,
	// DefaultEnrollmentTimeout is used.
	EnrollTimeout time.Duration

	// AllowedHosts is an optional list of fully-qualified domain names
	// representing hosts which are allowed to serve the gateway.
	AllowedHosts []string

	// RateLimit is an optional rate limit expressed in requests per second.
	// If zero, no rate limit will be applied.
	RateLimit int

	// CheckBasicAuth is an optional callback function to check HTTP Basic
	// Authentication credentials. A nil error means that authentication was
	// successful, and a non-nil error means that it was not. If
	// CheckBasicAuth is nil, then HTTP Basic Authentication is not required.
	CheckBasicAuth func(ctx context.Context, r *http.Request, username, password string) error
}

// AnnotationsResponse is the body of the annotations endpoint.
type AnnotationsResponse struct {
	Connector          map[string]PropertyConfigInfo `json:"connector"`
	TemplateParameters map[string]PropertyConfigInfo `json:"templateParameters"`
}

// RevokeRequest is the body of a revocation request.
type RevokeRequest struct {
	SerialNumber string `json:"serialNumber,omitempty"`
	Reason       uint   `json:"reason"`
}

// RevokeResponse is the body of a revocation response.
type RevokeResponse struct {
	RequestID string          `json:"requestId"`
	Status    EndEntityStatus `json:"status"`
}

// SyncRequest is the body of a synchronization request.
type SyncRequest struct {
	LastSync *time.Time `json:"lastSync,omitempty"`
	FullSync bool       `json:"fullSync"`
}

// SyncResponse is the body of a synchronization response.
type SyncResponse struct {
	Certificates int `json:"certificates"`
}

// ctxKey is an unexported custom type for request context keys.
type ctxKey int

// Request context key constants.
const (
	ctxKeyPlugin ctxKey = iota
	ctxKeyChainCache
	ctxKeyLogger
)

// Server constants.
const (
	defaultTimeout = time.Second * 60
	idParamName    = "id"
	maxRequestBody = 65536
)

// Log field and message constants.
const (
	logFieldError            = "Error"
	logMsgAnnotationsFailed  = "failed to get annotations"
	logMsgChainFailed        = "failed to retrieve certificate chain"
	logMsgContentTypeInvalid = "invalid content-type"
	logMsgEnrollFailed       = "failed to enroll"
	logMsgPanicRecovery      = "recovered from panic"
	logMsgPingFailed         = "failed to ping vendor"
	logMsgReadBodyFailed     = "failed to read request body"
	logMsgRecordFailed       = "failed to retrieve certificate"
	logMsgRevokeFailed       = "failed to revoke"
	logMsgSyncFailed         = "failed to synchronize"
)

// LoggerFromContext returns a logger included in a context.
func LoggerFromContext(ctx context.Context) Logger {
	logger, _ := ctx.Value(ctxKeyLogger).(Logger)
	return loggerOrNOP(logger)
}

// pluginFromContext returns the backing plugin from a request context, or
// nil if no plugin is present.
func pluginFromContext(ctx context.Context) *Plugin {
	p, _ := ctx.Value(ctxKeyPlugin).(*Plugin)
	return p
}

// chainCacheFromContext returns a chain cache from a request context, or nil
// if none is present.
func chainCacheFromContext(ctx context.Context) *chainCache {
	cache, _ := ctx.Value(ctxKeyChainCache).(*chainCache)
	return cache
}

// NewRouter creates a new gateway server mux.
func NewRouter(cfg *ServerConfig) (http.Handler, error) {
	if cfg.Plugin == nil {
		return nil, errors.New("no plugin specified")
	}

	r := chi.NewRouter()

	timeout := defaultTimeout
	if cfg.Timeout != 0 {
		timeout = cfg.Timeout
	}

	enrollTimeout := DefaultEnrollmentTimeout
	if cfg.EnrollTimeout != 0 {
		enrollTimeout = cfg.EnrollTimeout
	}

	logger := loggerOrNOP(cfg.Logger)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withLogger(logger))
	r.Use(recoverer(logger))
	r.Use(addServerHeader)
	r.Use(addSecureHeaders)
	if len(cfg.AllowedHosts) > 0 {
		r.Use(verifyAllowedHosts(cfg.AllowedHosts))
	}
	r.Use(maxBodySize(maxRequestBody))
	if cfg.RateLimit != 0 {
		r.Use(rateLimit(cfg.RateLimit))
	}

	r.Use(middleware.WithValue(ctxKeyPlugin, cfg.Plugin))
	r.Use(middleware.WithValue(ctxKeyChainCache, newChainCache(cfg.Plugin.CertificateChain)))

	// Operational endpoints.
	r.With(middleware.Timeout(timeout)).Get(healthCheckEndpoint, healthcheck)
	r.With(
		requireBasicAuth(cfg.CheckBasicAuth),
	).Handle(metricsEndpoint, promhttp.Handler())

	// Gateway endpoints.
	r.Route(apiPathPrefix, func(r chi.Router) {
		r.Use(requireBasicAuth(cfg.CheckBasicAuth))

		r.With(
			withDeadline(enrollTimeout),
		).With(
			requireContentType(mimeTypeJSON),
		).Post(enrollEndpoint, enroll)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Get(pingEndpoint, ping)
			r.Get(productsEndpoint, products)
			r.Get(annotationsEndpoint, annotations)

			r.With(
				requireContentType(mimeTypeJSON),
			).Post(syncEndpoint, synchronize)

			r.Route(fmt.Sprintf("%s/{%s}", certificatesRoute, idParamName), func(r chi.Router) {
				r.Get("/", record)
				r.Get(chainSuffix, chain)
				r.With(
					requireContentType(mimeTypeJSON),
				).Post(revokeSuffix, revoke)
			})
		})
	})

	return r, nil
}

// healthcheck services the /healthcheck endpoint.
func healthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ping services the /ping endpoint.
func ping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := pluginFromContext(ctx).Ping(ctx)
	if writeOnError(ctx, w, logMsgPingFailed, err) {
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// products services the /products endpoint.
func products(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, pluginFromContext(r.Context()).ProductIDs())
}

// annotations services the /annotations endpoint.
func annotations(w http.ResponseWriter, r *http.Request) {
	p := pluginFromContext(r.Context())

	writeResponse(w, http.StatusOK, &AnnotationsResponse{
		Connector:          p.ConnectorAnnotations(),
		TemplateParameters: p.TemplateParameterAnnotations(),
	})
}

// enroll services the /enroll endpoint.
func enroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in EnrollInput
	if writeOnError(ctx, w, logMsgReadBodyFailed, readJSONRequest(r.Body, &in)) {
		return
	}

	res, err := pluginFromContext(ctx).Enroll(ctx, &in)
	if writeOnError(ctx, w, logMsgEnrollFailed, err) {
		return
	}

	writeResponse(w, http.StatusOK, res)
}

// record services the /certificates/{id} endpoint.
func record(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := pluginFromContext(ctx).GetSingleRecord(ctx, chi.URLParam(r, idParamName))
	if writeOnError(ctx, w, logMsgRecordFailed, err) {
		return
	}

	writeResponse(w, http.StatusOK, rec)
}

// chain services the /certificates/{id}/chain endpoint.
func chain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	certs, err := chainCacheFromContext(ctx).Get(ctx, chi.URLParam(r, idParamName))
	if writeOnError(ctx, w, logMsgChainFailed, err) {
		return
	}

	writeResponse(w, http.StatusOK, certs)
}

// revoke services the /certificates/{id}/revoke endpoint.
func revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, idParamName)

	var req RevokeRequest
	if writeOnError(ctx, w, logMsgReadBodyFailed, readJSONRequest(r.Body, &req)) {
		return
	}

	status, err := pluginFromContext(ctx).Revoke(ctx, id, req.SerialNumber, req.Reason)
	if writeOnError(ctx, w, logMsgRevokeFailed, err) {
		return
	}

	chainCacheFromContext(ctx).Invalidate(id)

	writeResponse(w, http.StatusOK, &RevokeResponse{RequestID: id, Status: status})
}

// synchronize services the /sync endpoint.
func synchronize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SyncRequest
	if writeOnError(ctx, w, logMsgReadBodyFailed, readJSONRequest(r.Body, &req)) {
		return
	}

	n, err := pluginFromContext(ctx).Synchronize(ctx, nil, req.LastSync, req.FullSync)
	if writeOnError(ctx, w, logMsgSyncFailed, err) {
		return
	}

	writeResponse(w, http.StatusOK, &SyncResponse{Certificates: n})
}

// writeOnError returns true and writes an error to the provided HTTP
// response writer if err is not nil. Otherwise, it returns false and does
// nothing.
func writeOnError(ctx context.Context, w http.ResponseWriter, msg string, err error) bool {
	if err == nil {
		return false
	}

	var pluginErr Error
	if errors.As(err, &pluginErr) {
		status := pluginErr.StatusCode()
		if status >= http.StatusInternalServerError {
			LoggerFromContext(ctx).Errorw(msg, logFieldError, err.Error())
		}

		w.Header().Set(contentTypeHeader, mimeTypeTextPlainUTF8)
		if secs := pluginErr.RetryAfter(); secs != 0 {
			w.Header().Set(retryAfterHeader, strconv.Itoa(secs))
		}

		w.WriteHeader(status)
		w.Write([]byte(fmt.Sprintf("%d %s\n", status, err.Error())))
	} else {
		LoggerFromContext(ctx).Errorw(msg, logFieldError, err.Error())
		errInternal.Write(w)
	}

	return true
}

// withLogger is middleware that logs each HTTP request.
func withLogger(logger Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {

			// Capture our own copy of the logger so change in this closure
			// won't affect the object passed-in.

			logger := logger

			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				logger = logger.With("HTTP Request ID", reqID)
			}

			// Defer a function to log and entry once the main handler
			// has returned.

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()

			defer func() {
				scheme := "http"
				if r.TLS != nil {
					scheme = "https"
				}

				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()

				logger.Infow("HTTP request",
					"Method", r.Method,
					"URI", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.RequestURI),
					"Protocol", r.Proto,
					"Remote Address", r.RemoteAddr,
					"Status", ww.Status(),
					"Bytes Written", ww.BytesWritten(),
					"Time Taken", time.Since(t1),
				)
			}()

			ctx := context.WithValue(r.Context(), ctxKeyLogger, logger)
			next.ServeHTTP(ww, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// recoverer is middleware which recovers from a panic and logs a stack trace.
func recoverer(logger Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// Capture our own copy of the logger so change in this closure
			// won't affect the object passed-in.

			logger := logger

			// Defer a function to catch any panic and log a stack trace.

			defer func() {
				if rcv := recover(); rcv != nil {
					if reqID := middleware.GetReqID(r.Context()); reqID != "" {
						logger = logger.With("HTTP Request ID", reqID)
					}

					logger.Errorw(
						logMsgPanicRecovery,
						"Method", r.Method,
						"URI", r.RequestURI,
						"Remote Address", r.RemoteAddr,
						"Panic Value", rcv,
						"Stack Trace", string(debug.Stack()),
					)

					errInternal.Write(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// requireContentType is middleware which rejects a request if the content
// type is not as stated.
func requireContentType(t string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifyRequestType(r.Header.Get(contentTypeHeader), t); err != nil {
				writeOnError(r.Context(), w, logMsgContentTypeInvalid, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// addServerHeader is middleware which writes to an HTTP response a Server
// HTTP header containing only the name and version of the server software.
func addServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(serverHeader, "GoDaddy CA Gateway "+pluginVersion)
		next.ServeHTTP(w, r)
	})
}

// addSecureHeaders is middleware which writes to an HTTP response a selection
// of secure HTTP headers as described by the OWASP Secure Headers Project. See
// https://owasp.org/www-project-secure-headers/.
func addSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(strictTransportHeader, "max-age=31536000")
		w.Header().Set(contentTypeOptionsHeader, "nosniff")
		next.ServeHTTP(w, r)
	})
}

// verifyAllowedHosts is middleware which rejects a request if the host in the
// Host header is not in the list of allowed hosts.
func verifyAllowedHosts(allowed []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqHost := r.Host
			if host, _, err := net.SplitHostPort(reqHost); err == nil {
				reqHost = host
			}

			goodHost := false
			for _, host := range allowed {
				if strings.EqualFold(host, reqHost) {
					goodHost = true
					break
				}
			}

			if !goodHost {
				errHostNotAllowed.Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit is middleware which applies a general rate limit of limit requests
// per second, with a burst size of limit * 2 requests.
func rateLimit(limit int) func(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Every(time.Second/time.Duration(limit)), limit*2)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				errRateLimitExceeded.Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxBodySize is middleware which wraps the http.Request.Body with an
// http.MaxBytesReader with the specified maximum size.
func maxBodySize(sz int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, sz)
			next.ServeHTTP(w, r)
		})
	}
}

// withDeadline is middleware which bounds the request context by d. It
// writes no response of its own, leaving the handler to report the
// cancellation.
func withDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireBasicAuth is middleware which requires HTTP Basic Authentication
// if checkFunc is not nil.
func requireBasicAuth(
	checkFunc func(context.Context, *http.Request, string, string) error,
) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if checkFunc == nil {
				next.ServeHTTP(w, r)
				return
			}

			username, password, _ := r.BasicAuth()
			if err := checkFunc(r.Context(), r, username, password); err != nil {
				reqHost := r.Host
				if host, _, err := net.SplitHostPort(reqHost); err == nil {
					reqHost = host
				}

				w.Header().Set(wwwAuthenticateHeader, fmt.Sprintf(`Basic realm="gateway@%s"`,
					url.QueryEscape(reqHost)))
				errAuthRequired.Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
