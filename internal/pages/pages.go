// Package pages renders the gateway's own HTML pages.
package pages

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strconv"

	"github.com/fabian4/pathmux/internal/logbuf"
	"github.com/fabian4/pathmux/internal/model"
)

//go:embed templates/*.html
var files embed.FS

var tmpl = template.Must(template.ParseFS(files, "templates/*.html"))

type HomeData struct {
	AppName         string
	Version         string
	NoCache         bool
	DiagnosticsPath string // "" hides the link
	Services        []HomeService
}

type HomeService struct {
	Name        string
	Target      string
	Description string
}

// HomeServices lists services in the order given, which is rank order when
// taken from registry.Visible.
func HomeServices(svcs []model.Service) []HomeService {
	out := make([]HomeService, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, HomeService{Name: s.Name, Target: s.Target(), Description: s.Description})
	}
	return out
}

type logsData struct {
	Lines    []logbuf.Line
	Total    int
	Errors   int
	Warnings int
}

func Home(w http.ResponseWriter, d HomeData) error {
	return render(w, http.StatusOK, "home", d)
}

func ServiceNotFound(w http.ResponseWriter, service string) error {
	return render(w, http.StatusNotFound, "service_not_found", map[string]string{"Service": service})
}

func PathNotFound(w http.ResponseWriter, service, path, backend string) error {
	return render(w, http.StatusNotFound, "path_not_found", map[string]string{
		"Service": service,
		"Path":    path,
		"Backend": backend,
	})
}

// Error renders a generic failure page; message must not carry internals.
func Error(w http.ResponseWriter, status int, message, requestID string) error {
	return render(w, status, "error", map[string]string{
		"Title":     strconv.Itoa(status) + " " + http.StatusText(status),
		"Message":   message,
		"RequestID": requestID,
	})
}

func Logs(w http.ResponseWriter, lines []logbuf.Line) error {
	d := logsData{Lines: lines, Total: len(lines)}
	for _, l := range lines {
		switch l.Class {
		case logbuf.ClassError:
			d.Errors++
		case logbuf.ClassWarning:
			d.Warnings++
		}
	}
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	return render(w, http.StatusOK, "logs", d)
}

// render executes into a buffer first so a template error never leaves a
// half-written page behind.
func render(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
