// Package publisher implements the clip publisher: the one HTTP surface
// MatchBox exposes to the venue network. Route semantics follow
// web_api/handler.py's AdminHandler; CORS/SPA-serving follows the
// daemon's own static-serving idiom, routed with github.com/gorilla/mux.
package publisher

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/frc-matchbox/matchbox/internal/config"
	"github.com/frc-matchbox/matchbox/internal/session"
)

var clipExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".wmv": true, ".flv": true, ".webm": true,
}

// Callbacks wires the publisher's action routes to the rest of the daemon
// without the package importing orchestrator/syncer/tunnel/switcher
// directly (they would in turn need to import publisher's types for
// status reporting, so the indirection avoids an import cycle).
type Callbacks struct {
	Status        func() any
	Start         func() error
	Stop          func() error
	ConfigureOBS  func() error
	SyncStart     func() error
	SyncStop      func() error
	TunnelStart   func() error
	TunnelStop    func() error
}

// Publisher owns C5's HTTP surface.
type Publisher struct {
	store       *config.Store
	cb          Callbacks
	clipsDir    string
	adminDir    string
	obsWebDir   string
	sessionSecretFn func() []byte
	configPath  string
	onLog       func(format string, args ...any)
}

func New(store *config.Store, cb Callbacks, clipsDir, adminDir, obsWebDir, configPath string, sessionSecretFn func() []byte, onLog func(format string, args ...any)) *Publisher {
	if onLog == nil {
		onLog = func(string, ...any) {}
	}
	return &Publisher{
		store: store, cb: cb, clipsDir: clipsDir, adminDir: adminDir,
		obsWebDir: obsWebDir, configPath: configPath, sessionSecretFn: sessionSecretFn, onLog: onLog,
	}
}

// Router builds the full mux.
func (p *Publisher) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(p.corsMiddleware, p.slowRequestMiddleware)

	r.HandleFunc("/", p.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/admin/_login", p.handleAdminLogin).Methods(http.MethodGet)
	r.HandleFunc("/admin/_auth", p.handleAdminAuth).Methods(http.MethodPost)
	r.PathPrefix("/admin/").HandlerFunc(p.requireAuth(p.handleAdminStatic)).Methods(http.MethodGet)
	r.PathPrefix("/obs-web/").HandlerFunc(p.requireAuth(p.handleOBSWebStatic)).Methods(http.MethodGet)

	r.HandleFunc("/api/status", p.requireAuth(p.handleAPIStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/config", p.requireAuth(p.handleAPIConfig)).Methods(http.MethodGet, http.MethodPut, http.MethodPost)
	r.HandleFunc("/api/clips", p.requireAuth(p.handleAPIClips)).Methods(http.MethodGet)
	r.HandleFunc("/api/start", p.requireAuth(p.action(p.cb.Start))).Methods(http.MethodPost)
	r.HandleFunc("/api/stop", p.requireAuth(p.action(p.cb.Stop))).Methods(http.MethodPost)
	r.HandleFunc("/api/configure-obs", p.requireAuth(p.action(p.cb.ConfigureOBS))).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/start", p.requireAuth(p.action(p.cb.SyncStart))).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/stop", p.requireAuth(p.action(p.cb.SyncStop))).Methods(http.MethodPost)
	r.HandleFunc("/api/tunnel/start", p.requireAuth(p.action(p.cb.TunnelStart))).Methods(http.MethodPost)
	r.HandleFunc("/api/tunnel/stop", p.requireAuth(p.action(p.cb.TunnelStop))).Methods(http.MethodPost)
	r.HandleFunc("/api/save-config", p.requireAuth(p.handleSaveConfig)).Methods(http.MethodPost)

	r.PathPrefix("/").HandlerFunc(p.handleClipFile).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }).Methods(http.MethodOptions)
	return r
}

// corsMiddleware allows any origin to call the API, since it runs on a
// closed venue LAN.
func (p *Publisher) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const slowRequestThreshold = time.Second

// slowRequestMiddleware reproduces handle_one_request's slow-request log
// line, feeding the structured logger instead of print().
func (p *Publisher) slowRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if d := time.Since(start); d > slowRequestThreshold {
			p.onLog("publisher: slow HTTP request %s %s took %.2fs", r.Method, r.URL.Path, d.Seconds())
		}
	})
}

// isTrusted is true for requests originating from 127.0.0.1 (the tunnel
// proxy hop-point), which bypass the session-cookie check.
func isTrusted(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (p *Publisher) authenticated(r *http.Request) bool {
	if isTrusted(r) {
		return true
	}
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return false
	}
	secret := p.sessionSecretFn()
	_, err = session.Verify(secret, cookie.Value, time.Now())
	return err == nil
}

func (p *Publisher) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !p.authenticated(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (p *Publisher) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.Error(w, "not available", http.StatusNotImplemented)
			return
		}
		if err := fn(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clipEntry is one row of the index and of /api/clips.
type clipEntry struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
}

func (p *Publisher) scanClips() ([]clipEntry, error) {
	entries, err := os.ReadDir(p.clipsDir)
	if err != nil {
		return nil, err
	}
	clips := make([]clipEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !clipExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		clips = append(clips, clipEntry{Name: e.Name(), Size: info.Size(), Mtime: info.ModTime()})
	}
	sort.Slice(clips, func(i, j int) bool { return clips[i].Mtime.After(clips[j].Mtime) })
	return clips, nil
}

// ClipCount returns how many clip files currently sit in the clips
// directory, for status snapshots.
func (p *Publisher) ClipCount() int {
	clips, err := p.scanClips()
	if err != nil {
		return 0
	}
	return len(clips)
}

// RegenerateIndex rewrites index.html in the clips directory, called on
// startup and after every successful clip.
func (p *Publisher) RegenerateIndex() error {
	clips, err := p.scanClips()
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<title>MatchBox Clips</title>\n")
	b.WriteString("<meta http-equiv=\"refresh\" content=\"30\">\n")
	b.WriteString("<style>body{font-family:sans-serif;margin:2em} li{margin:0.3em 0}</style>\n</head>\n<body>\n")
	b.WriteString("<h1>MatchBox Clips</h1>\n<ul>\n")
	for _, c := range clips {
		fmt.Fprintf(&b, "<li><a href=\"/%s\">%s</a> (%d bytes, %s)</li>\n",
			htmlEscapePath(c.Name), htmlEscapePath(c.Name), c.Size, c.Mtime.Format(time.RFC1123))
	}
	b.WriteString("</ul>\n</body>\n</html>\n")

	return os.WriteFile(filepath.Join(p.clipsDir, "index.html"), []byte(b.String()), 0o644)
}

func htmlEscapePath(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")
	return r.Replace(s)
}

func (p *Publisher) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(p.clipsDir, "index.html"))
	if err != nil {
		if err := p.RegenerateIndex(); err != nil {
			http.Error(w, "could not generate index", http.StatusInternalServerError)
			return
		}
		data, err = os.ReadFile(filepath.Join(p.clipsDir, "index.html"))
		if err != nil {
			http.Error(w, "could not read index", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (p *Publisher) handleAPIClips(w http.ResponseWriter, r *http.Request) {
	clips, err := p.scanClips()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, clips)
}

func (p *Publisher) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if p.cb.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, p.cb.Status())
}

func (p *Publisher) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg := p.store.Get()
		writeJSON(w, http.StatusOK, cfg)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	if err := p.store.Merge(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := p.store.Get()
	writeJSON(w, http.StatusOK, cfg)
}

// handleSaveConfig persists the live config to the JSON override path,
// matching do_POST's /api/save-config branch verbatim.
func (p *Publisher) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	cfg := p.store.Get()
	if err := config.Save(p.configPath, &cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (p *Publisher) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html><html><head><title>MatchBox Admin Login</title></head><body>
<form method="post" action="/admin/_auth">
<input type="password" name="password" placeholder="password">
<button type="submit">Log in</button>
</form></body></html>`)
}

// handleAdminAuth accepts either the instance's tunnel password or (if
// allowed) the admin password.
func (p *Publisher) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	password := r.FormValue("password")
	cfg := p.store.Get()

	ok := password != "" && password == cfg.TunnelPassword
	if !ok && cfg.TunnelAllowAdmin {
		ok = session.CheckPassword(password, cfg.AdminSalt, cfg.AdminHash)
	}
	if !ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html><html><body><p>Invalid password.</p></body></html>`)
		return
	}

	secret := p.sessionSecretFn()
	cookie := session.Issue(secret, cfg.EventCode, time.Now())
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    cookie,
		Path:     "/",
		MaxAge:   int(session.TTL.Seconds()),
		HttpOnly: true,
	})
	http.Redirect(w, r, "/admin/", http.StatusFound)
}

func (p *Publisher) handleAdminStatic(w http.ResponseWriter, r *http.Request) {
	serveStaticPrefix(w, r, "/admin", p.adminDir)
}

func (p *Publisher) handleOBSWebStatic(w http.ResponseWriter, r *http.Request) {
	serveStaticPrefix(w, r, "/obs-web", p.obsWebDir)
}

// serveStaticPrefix strips prefix and serves from dir, guarding against
// path traversal the way handler.py._serve_admin_static does via a
// realpath-prefix check.
func serveStaticPrefix(w http.ResponseWriter, r *http.Request, prefix, dir string) {
	rel := strings.TrimPrefix(r.URL.Path, prefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}

	full := filepath.Join(dir, rel)
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	realFull, err := filepath.EvalSymlinks(full)
	if err != nil || !strings.HasPrefix(realFull, realDir) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, full)
}

// handleClipFile serves a clip from the clips directory with range-request
// support, matching handler.py._serve_clip_file's 206/416 semantics
// byte-for-byte rather than delegating to http.ServeContent.
func (p *Publisher) handleClipFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || strings.Contains(name, "..") || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	full := filepath.Join(p.clipsDir, name)
	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentTypeFor(name))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)

	f.Seek(start, io.SeekStart)
	io.CopyN(w, f, end-start+1)
}

// parseRange parses "bytes=S-E" or "bytes=S-", returning an inclusive
// [start,end] byte range. ok is false for any unsatisfiable range
// (start>=size, end>=size, or start>end).
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	var err error
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}

	if start >= size || end >= size || start > end {
		return 0, 0, false
	}
	return start, end, true
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".wmv":
		return "video/x-ms-wmv"
	case ".flv":
		return "video/x-flv"
	default:
		return "application/octet-stream"
	}
}
