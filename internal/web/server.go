// Package web is the HTTP surface: ticket paths for browsers, PUT
// variants for machines, and the probe endpoint for reputation pages.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mverril/mailgate/internal/asyncjob"
	"github.com/mverril/mailgate/internal/config"
	"github.com/mverril/mailgate/internal/dispatch"
	"github.com/mverril/mailgate/internal/ticket"
)

// Prober answers SMTP reachability questions; satisfied by
// mailer.Prober.
type Prober interface {
	Probe(ctx context.Context, ip string) (string, error)
}

// Metrics is the subset of the metrics sink the web layer feeds
type Metrics interface {
	TicketRejected(reason string)
	ProbeResult(result string)
	HTTPRequest(method string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) TicketRejected(string)                  {}
func (noopMetrics) ProbeResult(string)                     {}
func (noopMetrics) HTTPRequest(string, int, time.Duration) {}

// Server is the public HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	codec      *ticket.Codec
	dispatcher *dispatch.Dispatcher
	cache      *asyncjob.Cache
	prober     Prober
	pages      *pageRenderer
	config     *config.ServerConfig
	captchaKey string
	logger     *slog.Logger
	metrics    Metrics
}

// NewServer creates the public HTTP server
func NewServer(
	codec *ticket.Codec,
	dispatcher *dispatch.Dispatcher,
	cache *asyncjob.Cache,
	prober Prober,
	cfg *config.ServerConfig,
	captchaSiteKey string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		codec:      codec,
		dispatcher: dispatcher,
		cache:      cache,
		prober:     prober,
		pages:      newPageRenderer(captchaSiteKey),
		config:     cfg,
		captchaKey: captchaSiteKey,
		logger:     logger,
		metrics:    noopMetrics{},
	}

	s.setupRoutes()
	return s
}

// SetMetrics installs a metrics sink. Call before serving traffic.
func (s *Server) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/check/{ip}", s.handleProbe)

	s.router.Put("/spam/{ticket}", s.handlePutComplaint(true))
	s.router.Put("/ham/{ticket}", s.handlePutComplaint(false))

	s.router.Get("/{ticket}", s.handleTicket)
	s.router.Post("/{ticket}", s.handleTicket)
	s.router.Put("/{ticket}", s.handlePutTicket)

	// Anything else aimed at a ticket path is refused outright.
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.metrics.HTTPRequest(r.Method, ww.Status(), time.Since(start))
		s.logger.Info("http request",
			"method", r.Method,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// decode maps codec failures onto the response contract: malformed is
// a 403, expired is a terminal 500 that is never retried.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (*ticket.Ticket, bool) {
	token := chi.URLParam(r, "ticket")

	tkt, err := s.codec.Decode(token)
	if err == nil {
		return tkt, true
	}

	switch {
	case errors.Is(err, ticket.ErrExpired):
		s.metrics.TicketRejected("expired")
		s.logger.Info("expired ticket", "remote_addr", r.RemoteAddr)
		s.pages.render(w, http.StatusInternalServerError, &pageData{
			Title:   "Link expired",
			Message: "This link has expired and can no longer be used. Request a new notification if the action is still needed.",
		})
	default:
		s.metrics.TicketRejected("malformed")
		s.logger.Info("malformed ticket", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
	return nil, false
}

// handleTicket handles GET and POST on a ticket path
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	tkt, ok := s.decode(w, r)
	if !ok {
		return
	}

	rc := dispatch.ReqContext{ClientIP: clientIP(r)}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			rc.CaptchaProof = captchaProof(r)
			rc.Confirmed = r.PostForm.Get("confirm") == "1"
			rc.SelectedTokens = r.PostForm["token"]
		}
	}

	res := s.dispatcher.Dispatch(r.Context(), tkt, rc)
	s.pages.render(w, res.Status, &pageData{
		Title:        res.Title,
		Message:      res.Message,
		Poll:         res.Poll,
		NeedsCaptcha: res.NeedsCaptcha,
		Confirm:      res.Category == dispatch.CatConfirm,
	})
}

// handlePutTicket handles PUT on a bare ticket path: the machine
// variant of the spam report.
func (s *Server) handlePutTicket(w http.ResponseWriter, r *http.Request) {
	tkt, ok := s.decode(w, r)
	if !ok {
		return
	}
	if tkt.Op != ticket.OpSpam {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), tkt, dispatch.ReqContext{
		ClientIP: clientIP(r),
		Machine:  true,
	})
	if res.Category == dispatch.CatError {
		http.Error(w, res.Message, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.Category == dispatch.CatAlreadyDone {
		w.WriteHeader(http.StatusNotFound)
	}
	fmt.Fprintln(w, res.Line)
}

// handlePutComplaint handles PUT /spam/{ticket} and PUT /ham/{ticket}
func (s *Server) handlePutComplaint(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tkt, ok := s.decode(w, r)
		if !ok {
			return
		}

		var line string
		var applied bool
		var err error
		if add {
			var dup bool
			line, dup, err = s.dispatcher.ReportSpam(tkt)
			applied = !dup
		} else {
			line, applied, err = s.dispatcher.WithdrawSpam(tkt)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !applied {
			w.WriteHeader(http.StatusNotFound)
		}
		fmt.Fprintln(w, line)
	}
}

// handleProbe handles GET /check/{ip}: a single-flight SMTP
// reachability probe with the same please-wait pattern as the mail
// sends.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	key := "probe:" + ip
	obs := s.cache.GetOrStart(key, func(ctx context.Context) (string, error) {
		return s.prober.Probe(ctx, ip)
	})
	if !obs.Terminal() {
		s.pages.render(w, http.StatusOK, &pageData{
			Title:   "Please wait",
			Message: fmt.Sprintf("Checking whether %s runs a mail server. This page refreshes automatically.", ip),
			Poll:    true,
		})
		return
	}

	obs, ok := s.cache.Consume(key)
	if !ok {
		// A concurrent viewer consumed the result; ask again.
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
		return
	}

	if obs.State == asyncjob.StateFailed {
		s.metrics.ProbeResult("failed")
		s.pages.render(w, http.StatusOK, &pageData{
			Title:   "No mail service",
			Message: fmt.Sprintf("No SMTP service answered at %s: %v", ip, obs.Err),
		})
		return
	}

	s.metrics.ProbeResult("ok")
	s.pages.render(w, http.StatusOK, &pageData{
		Title:   "Mail service found",
		Message: obs.Value,
	})
}

// captchaProof pulls the proof from the usual provider field names
func captchaProof(r *http.Request) string {
	for _, field := range []string{"captcha_token", "g-recaptcha-response", "h-captcha-response"} {
		if v := r.PostForm.Get(field); v != "" {
			return v
		}
	}
	return ""
}

// clientIP returns the requester address; RealIP middleware already
// resolved forwarding headers.
func clientIP(r *http.Request) string {
	return r.RemoteAddr
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}
