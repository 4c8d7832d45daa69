// Package web renders the admin dashboard from embedded templates.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/httpbridge/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").Funcs(template.FuncMap{
		"bytes": humanBytes,
		"since": func(t time.Time) string { return time.Since(t).Round(time.Second).String() },
	}).ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named page to w. data gets a Now entry.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if tmpl.Lookup(name) == nil {
		return fmt.Errorf("template %q not found", name)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().UTC().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
