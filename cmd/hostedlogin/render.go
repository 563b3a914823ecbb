package main

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"lds.li/oauth2pkce/pkceclient"
)

//go:embed templates/*
var templateFS embed.FS

// styles is inlined into every page by the layout.
//
//go:embed templates/styles.css
var styles string

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type row struct {
	Name  string
	Value string
}

type result struct {
	RequestID string
	Status    string
	Body      string
	Error     string
}

type pageData struct {
	CSS      template.CSS
	Title    string
	Session  *pkceclient.Session
	State    string
	Claims   []row
	Userinfo []row
	Result   *result
	Message  string
}

// render executes the named page. The page is rendered to a buffer first, so
// a template error still produces a clean 500.
func render(w http.ResponseWriter, status int, name string, data pageData) {
	data.CSS = template.CSS(styles)

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("Failed to render template", baseLogAttr, slog.String("template", name), errAttr(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError renders an error page with a message for the user.
func renderError(w http.ResponseWriter, status int, message string) {
	render(w, status, "error.html", pageData{
		Title:   http.StatusText(status),
		Message: message,
	})
}

func claimRows(sess *pkceclient.Session) []row {
	if sess == nil {
		return nil
	}
	return mapRows(sess.Claims)
}

func mapRows[M ~map[string]any](m M) []row {
	var rows []row
	for _, k := range slices.Sorted(maps.Keys(m)) {
		rows = append(rows, row{Name: k, Value: fmt.Sprint(m[k])})
	}
	return rows
}
