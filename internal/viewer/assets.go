package viewer

import (
	"embed"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	minhtml "github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed assets/*
var rawAssets embed.FS

// minified holds the UI files, minified once at startup. Minify failures
// fall back to the original bytes.
var minified map[string][]byte

func init() {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("text/html", minhtml.Minify)

	minified = make(map[string][]byte)
	_ = fs.WalkDir(rawAssets, "assets", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := rawAssets.ReadFile(p)
		if err != nil {
			return nil
		}
		name := strings.TrimPrefix(p, "assets/")
		var mtype string
		switch filepath.Ext(p) {
		case ".js":
			mtype = "application/javascript"
		case ".css":
			mtype = "text/css"
		case ".html":
			mtype = "text/html"
		default:
			minified[name] = raw
			return nil
		}
		out, err := m.Bytes(mtype, raw)
		if err != nil {
			log.Printf("viewer: minify warning: %s: %v (using original)", p, err)
			out = raw
		}
		minified[name] = out
		return nil
	})
}

// assetHandler serves the minified UI files.
func assetHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := minified[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		_, _ = w.Write(data)
	})
}

// serveIndex serves the single page UI at /.
func serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, ok := minified["index.html"]
	if !ok {
		http.Error(w, "ui not embedded", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}
