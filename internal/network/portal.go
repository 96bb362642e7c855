package network

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/r0bb10/hydro-node/internal/telemetry"
)

// Credentials is what an operator submits through the portal
type Credentials struct {
	SSID     string
	Password string
	Timezone string
}

// Timezone is one selectable UTC offset
type Timezone struct {
	Offset string
	Label  string
}

// Timezones offered by the portal form
var Timezones = []Timezone{
	{"-12:00", "Baker Island, Howland Island"},
	{"-11:00", "American Samoa, Niue"},
	{"-10:00", "Honolulu, Papeete"},
	{"-09:30", "Marquesas Islands"},
	{"-09:00", "Anchorage, Juneau"},
	{"-08:00", "Los Angeles, Tijuana, Vancouver"},
	{"-07:00", "Denver, Phoenix, Chihuahua"},
	{"-06:00", "Mexico City, San José, Chicago"},
	{"-05:00", "Bogotá, Lima, Quito, New York"},
	{"-04:00", "Caracas, La Paz, Santiago"},
	{"-03:30", "St. John's"},
	{"-03:00", "Buenos Aires, São Paulo, Montevideo"},
	{"-02:00", "South Georgia"},
	{"-01:00", "Azores, Cape Verde"},
	{"+00:00", "London, Lisbon, Casablanca"},
	{"+01:00", "Madrid, Paris, Berlin, Rome"},
	{"+02:00", "Cairo, Athens, Jerusalem"},
	{"+03:00", "Moscow, Nairobi, Baghdad"},
	{"+03:30", "Tehran"},
	{"+04:00", "Dubai, Baku"},
	{"+04:30", "Kabul"},
	{"+05:00", "Islamabad, Tashkent"},
	{"+05:30", "New Delhi, Colombo"},
	{"+05:45", "Kathmandu"},
	{"+06:00", "Dhaka, Thimphu"},
	{"+06:30", "Yangon, Cocos Islands"},
	{"+07:00", "Bangkok, Hanoi, Jakarta"},
	{"+08:00", "Beijing, Hong Kong, Perth"},
	{"+08:45", "Eucla"},
	{"+09:00", "Tokyo, Seoul, Yakutsk"},
	{"+09:30", "Adelaide, Darwin"},
	{"+10:00", "Sydney, Port Moresby"},
	{"+10:30", "Lord Howe Island"},
	{"+11:00", "Honiara, New Caledonia"},
	{"+12:00", "Auckland, Fiji"},
	{"+12:45", "Chatham Islands"},
	{"+13:00", "Nuku'alofa, Samoa"},
	{"+14:00", "Line Islands"},
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><meta name="viewport" content="width=device-width, initial-scale=1"><title>Node setup</title></head>
<body>
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .ShowForm}}
<form action="/configure" method="post">
<p><label>Network <select name="ssid">{{range .Networks}}<option value="{{.}}">{{.}}</option>{{end}}</select></label></p>
<p><label>Password <input type="password" name="password"></label></p>
<p><label>Timezone <select name="timezone">{{range .Timezones}}<option value="{{.Offset}}"{{if eq .Offset "+00:00"}} selected{{end}}>UTC{{.Offset}} {{.Label}}</option>{{end}}</select></label></p>
<p><input type="submit" value="Connect"></p>
</form>
{{end}}
</body></html>
`))

type pageData struct {
	Message   string
	ShowForm  bool
	Networks  []string
	Timezones []Timezone
}

// Portal is the provisioning web form served while the access point is up
type Portal struct {
	addr       string
	scan       func(ctx context.Context) ([]string, error)
	tryTimeout time.Duration
}

// NewPortal creates a portal listening on addr. scan lists visible networks.
func NewPortal(addr string, scan func(ctx context.Context) ([]string, error), tryTimeout time.Duration) *Portal {
	return &Portal{addr: addr, scan: scan, tryTimeout: tryTimeout}
}

// TryFunc attempts to join the submitted network
type TryFunc func(ctx context.Context, c Credentials) error

// Handler builds the portal router. Accepted credentials are sent on done.
func (p *Portal) Handler(try TryFunc, done chan<- Credentials) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, req, http.StatusOK, "")
	})

	r.Post("/configure", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			p.render(w, req, http.StatusBadRequest, "Could not read the form.")
			return
		}
		c := Credentials{
			SSID:     req.PostFormValue("ssid"),
			Password: req.PostFormValue("password"),
			Timezone: req.PostFormValue("timezone"),
		}
		if c.SSID == "" {
			p.render(w, req, http.StatusBadRequest, "Choose a network.")
			return
		}
		if _, err := telemetry.ParseOffset(c.Timezone); err != nil {
			p.render(w, req, http.StatusBadRequest, "Choose a valid timezone.")
			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), p.tryTimeout)
		defer cancel()
		if err := try(ctx, c); err != nil {
			log.Printf("Failed to join %s from portal: %v", c.SSID, err)
			p.render(w, req, http.StatusOK, fmt.Sprintf("Could not connect to %s. Check the password and try again.", c.SSID))
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = pageTemplate.Execute(w, pageData{
			Message: fmt.Sprintf("Connected to %s. Timezone UTC%s. The node will continue on its own.", c.SSID, c.Timezone),
		})
		select {
		case done <- c:
		default:
		}
	})

	// captive portal probes land on arbitrary paths
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/", http.StatusFound)
	})
	return r
}

func (p *Portal) render(w http.ResponseWriter, req *http.Request, status int, msg string) {
	var networks []string
	if p.scan != nil {
		var err error
		networks, err = p.scan(req.Context())
		if err != nil {
			log.Printf("Failed to scan networks for portal: %v", err)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, pageData{
		Message:   msg,
		ShowForm:  true,
		Networks:  networks,
		Timezones: Timezones,
	})
}

// RunUntilConfigured serves the form until try accepts a submission or ctx ends
func (p *Portal) RunUntilConfigured(ctx context.Context, try TryFunc) (Credentials, error) {
	done := make(chan Credentials, 1)
	srv := &http.Server{
		Addr:              p.addr,
		Handler:           p.Handler(try, done),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Printf("Provisioning portal listening on %s", p.addr)

	var (
		creds Credentials
		err   error
	)
	select {
	case creds = <-done:
	case err = <-serveErr:
		err = fmt.Errorf("portal server: %w", err)
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
		log.Printf("Failed to stop provisioning portal: %v", shutdownErr)
	}
	return creds, err
}
