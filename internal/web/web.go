package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sunrelay/internal/config"
	"sunrelay/internal/ics"
	appLog "sunrelay/internal/log"
	"sunrelay/internal/metrics"
	"sunrelay/internal/schedule"
	"sunrelay/internal/solar"
)

const (
	defaultFeedDays = 14
	shutdownTimeout = 5 * time.Second
)

// Scheduler is the part of *schedule.Scheduler the API needs.
type Scheduler interface {
	Status() schedule.Status
	Override(on bool) error
	Calculator() solar.Calculator
	Now() time.Time
}

// Server provides the HTTP API: status, manual override, sun tables, an
// ICS feed and Prometheus metrics.
type Server struct {
	cfg    *config.Config
	sched  Scheduler
	router *mux.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sched Scheduler) *Server {
	s := &Server{
		cfg:    cfg,
		sched:  sched,
		router: mux.NewRouter().StrictSlash(true),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, wrapped with basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="sunrelay", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		Addr:         s.cfg.Listen,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.route("/health", s.handleHealth, http.MethodGet)
	s.route("/api/status", s.handleStatus, http.MethodGet)
	s.route("/api/power/{state:on|off}", s.handlePower, http.MethodPost)
	s.route("/api/sun", s.handleSun, http.MethodGet)
	s.route("/api/sunlight", s.handleSunlight, http.MethodGet)
	s.route("/calendar.ics", s.handleCalendar, http.MethodGet)
	s.router.Handle("/metrics", metrics.LatencyHandler("/metrics", promhttp.Handler())).Methods(http.MethodGet)
}

// route registers h under its template path, recording request latency
// labelled with the template rather than the raw URL.
func (s *Server) route(path string, h http.HandlerFunc, methods ...string) {
	s.router.Handle(path, metrics.LatencyHandler(path, h)).Methods(methods...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	PowerOn     bool       `json:"power_on"`
	Armed       bool       `json:"armed"`
	NextEvent   string     `json:"next_event,omitempty"`
	NextEventAt *time.Time `json:"next_event_at,omitempty"`
	NextSunrise *time.Time `json:"next_sunrise,omitempty"`
	NextSunset  *time.Time `json:"next_sunset,omitempty"`
	Daylight    bool       `json:"daylight"`
	LastFired   *time.Time `json:"last_fired,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Zenith      string     `json:"zenith"`
	Timezone    string     `json:"timezone"`
}

func newStatusResponse(st schedule.Status) statusResponse {
	resp := statusResponse{
		PowerOn:     st.PowerOn,
		Armed:       st.Armed,
		NextSunrise: timePtr(st.Decision.NextSunrise),
		NextSunset:  timePtr(st.Decision.NextSunset),
		Daylight:    st.Decision.Daylight,
		LastFired:   timePtr(st.LastFired),
		LastError:   st.LastError,
		Latitude:    st.Coordinate.Latitude,
		Longitude:   st.Coordinate.Longitude,
		Zenith:      st.Zenith.String(),
		Timezone:    st.Location,
	}
	if st.Armed {
		resp.NextEvent = st.Decision.Kind.String()
		resp.NextEventAt = timePtr(st.Decision.At)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatusResponse(s.sched.Status()))
}

// handlePower overrides the relay until the next scheduled event.
//
// POST /api/power/on
// POST /api/power/off
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	on := mux.Vars(r)["state"] == "on"
	appLog.Info("api power override", "on", on, "remote", r.RemoteAddr)

	if err := s.sched.Override(on); err != nil {
		if errors.Is(err, schedule.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "scheduler stopped")
			return
		}
		appLog.Error("api power override failed", err)
		writeError(w, http.StatusInternalServerError, "failed to switch power")
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(s.sched.Status()))
}

// sunResponse is the JSON response shape for /api/sun.
type sunResponse struct {
	Date             string     `json:"date"`
	Sunrise          *time.Time `json:"sunrise,omitempty"`
	Sunset           *time.Time `json:"sunset,omitempty"`
	SunriseCondition string     `json:"sunrise_condition"`
	SunsetCondition  string     `json:"sunset_condition"`
	SunlightHours    float64    `json:"sunlight_hours"`
}

// handleSun returns sunrise, sunset and day length for one day.
//
// GET /api/sun?date=2024-06-21 (default: today)
func (s *Server) handleSun(w http.ResponseWriter, r *http.Request) {
	calc := s.sched.Calculator()
	day := calc.Day(s.sched.Now(), 0)

	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, day.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = calc.Day(d, 0)
	}

	rise, riseCond := calc.SunriseCondition(day)
	set, setCond := calc.SunsetCondition(day)
	resp := sunResponse{
		Date:             day.Format(time.DateOnly),
		SunriseCondition: riseCond.String(),
		SunsetCondition:  setCond.String(),
		SunlightHours:    calc.SunlightHours(day),
	}
	if riseCond == solar.Crosses {
		resp.Sunrise = &rise
	}
	if setCond == solar.Crosses {
		resp.Sunset = &set
	}
	writeJSON(w, http.StatusOK, resp)
}

// sunlightResponse is the JSON response shape for /api/sunlight.
type sunlightResponse struct {
	Year  int       `json:"year"`
	Hours []float64 `json:"hours"`
}

// handleSunlight returns the hours of sunlight for every day of a year.
//
// GET /api/sunlight?year=2024 (default: this year)
func (s *Server) handleSunlight(w http.ResponseWriter, r *http.Request) {
	calc := s.sched.Calculator()
	year := calc.Day(s.sched.Now(), 0).Year()

	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil || y < 1 || y > 9999 {
			writeError(w, http.StatusBadRequest, "year must be between 1 and 9999")
			return
		}
		year = y
	}

	hours, err := calc.YearOfSunlight(year)
	if err != nil {
		appLog.Error("api sunlight failed", err, "year", year)
		writeError(w, http.StatusInternalServerError, "failed to compute sunlight")
		return
	}
	writeJSON(w, http.StatusOK, sunlightResponse{Year: year, Hours: hours})
}

// handleCalendar serves upcoming sunrises and sunsets as iCalendar.
//
// GET /calendar.ics?days=14
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	days := defaultFeedDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be a number")
			return
		}
		days = n
	}

	cal, err := ics.Build(s.sched.Calculator(), s.sched.Now(), days)
	if err != nil {
		if errors.Is(err, ics.ErrDays) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api calendar failed", err)
		writeError(w, http.StatusInternalServerError, "failed to build calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="sunrelay.ics"`)
	w.WriteHeader(http.StatusOK)
	if err := cal.SerializeTo(w); err != nil {
		appLog.Error("failed to write calendar response", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
