package viewer

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed all:docs
var docsFS embed.FS

type docPage struct {
	Slug  string
	Title string
	HTML  template.HTML
}

// renderDocs converts the embedded markdown help pages once at startup.
func renderDocs() []docPage {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return nil
	}

	var pages []docPage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := docsFS.ReadFile(path.Join("docs", e.Name()))
		if err != nil {
			continue
		}

		// "01-overview.md" -> "overview"
		name := strings.TrimSuffix(e.Name(), ".md")
		slug := name
		if parts := strings.SplitN(name, "-", 2); len(parts) == 2 {
			slug = parts[1]
		}

		title := slug
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "# ") {
				title = strings.TrimPrefix(strings.TrimSpace(line), "# ")
				break
			}
		}

		var buf bytes.Buffer
		if err := md.Convert(data, &buf); err != nil {
			continue
		}
		pages = append(pages, docPage{Slug: slug, Title: title, HTML: template.HTML(buf.String())})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Slug < pages[j].Slug })
	return pages
}

var helpTmpl = template.Must(template.New("help").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}} · parley help</title>
<link rel="stylesheet" href="/assets/style.css"></head>
<body class="help">
<nav>{{range .Pages}}<a href="/help/{{.Slug}}">{{.Title}}</a>{{end}}<a href="/">back</a></nav>
<main>{{.Page.HTML}}</main>
</body></html>`))

// registerHelp serves the rendered help pages at /help and /help/<slug>.
func registerHelp(mux *http.ServeMux) {
	pages := renderDocs()

	mux.HandleFunc("/help/", func(w http.ResponseWriter, r *http.Request) {
		if len(pages) == 0 {
			http.NotFound(w, r)
			return
		}
		slug := strings.TrimPrefix(r.URL.Path, "/help/")
		page := pages[0]
		if slug != "" {
			found := false
			for _, p := range pages {
				if p.Slug == slug {
					page, found = p, true
					break
				}
			}
			if !found {
				http.NotFound(w, r)
				return
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = helpTmpl.Execute(w, map[string]any{
			"Title": page.Title,
			"Page":  page,
			"Pages": pages,
		})
	})
	mux.Handle("/help", http.RedirectHandler("/help/", http.StatusFound))
}
