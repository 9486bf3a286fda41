// Package answer serves the Debian preseed file and the post-install script to
// a guest during the unattended install.
package answer

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kiln/internal/profile"
)

const (
	PreseedPath     = "/preseed.cfg"
	PostInstallPath = "/postinstall.sh"

	// GuestHost is the host address as seen from QEMU user-mode networking.
	GuestHost = "10.0.2.2"

	preseedTemplate     = "preseed.cfg.tmpl"
	postInstallTemplate = "postinstall.sh.tmpl"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Options configure a Server.
type Options struct {
	Profile profile.Profile
	// AuthorizedKey is installed for the build user by the post-install script.
	AuthorizedKey string
	// Username falls back to the profile's username field.
	Username string
	// TemplateDir may hold preseed.cfg.tmpl or postinstall.sh.tmpl overrides.
	TemplateDir string
	// Address defaults to 127.0.0.1 on a free port.
	Address string
}

// Server is an HTTP server that owns its listener and log buffer.
type Server struct {
	opts        Options
	preseed     *template.Template
	postInstall *template.Template

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	cancel   context.CancelFunc
	group    *errgroup.Group
	docs     map[string][]byte
	stopped  bool

	log *syncBuffer
}

// New parses the templates. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	if strings.TrimSpace(opts.AuthorizedKey) == "" {
		return nil, errors.New("answer server requires an authorized key")
	}
	if opts.Username == "" {
		opts.Username = opts.Profile.Username("")
	}
	if opts.Username == "" {
		return nil, errors.New("answer server requires a username")
	}
	if opts.Address == "" {
		opts.Address = "127.0.0.1:0"
	}

	preseed, err := loadTemplate(opts.TemplateDir, preseedTemplate)
	if err != nil {
		return nil, err
	}
	postInstall, err := loadTemplate(opts.TemplateDir, postInstallTemplate)
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:        opts,
		preseed:     preseed,
		postInstall: postInstall,
		log:         &syncBuffer{},
	}, nil
}

// Start binds the listener, renders both documents and begins serving in the
// background. The server stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("answer server already started")
	}

	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Address, err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	docs, err := s.render(port)
	if err != nil {
		listener.Close()
		return err
	}

	mux := http.NewServeMux()
	for path, body := range docs {
		mux.HandleFunc("GET "+path, serveDocument(body))
	}

	s.listener = listener
	s.docs = docs
	s.srv = &http.Server{
		Handler:  s.logRequests(mux),
		ErrorLog: log.New(s.log, "", log.LstdFlags),
	}

	ctx, s.cancel = context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	srv := s.srv
	group.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})

	fmt.Fprintf(s.log, "serving %s and %s on %s\n", PreseedPath, PostInstallPath, listener.Addr())
	return nil
}

// Stop closes the server without waiting for in-flight requests. It is safe to
// call more than once and before Start.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("answer server: %w", err)
	}
	return nil
}

// Port is the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// AnswerFileURL is the preseed URL as reachable from host.
func (s *Server) AnswerFileURL(host string) string {
	return documentURL(host, s.Port(), PreseedPath)
}

// PostInstallURL is the post-install script URL as reachable from host.
func (s *Server) PostInstallURL(host string) string {
	return documentURL(host, s.Port(), PostInstallPath)
}

// Document returns a rendered document after Start.
func (s *Server) Document(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.docs[path]
	return body, ok
}

// Log returns everything the server has logged so far.
func (s *Server) Log() string {
	return s.log.String()
}

type templateData struct {
	Fields         map[string]any
	Username       string
	Password       string
	FullName       string
	Hostname       string
	Domain         string
	Locale         string
	Keyboard       string
	Timezone       string
	MirrorHost     string
	MirrorPath     string
	Partitioning   string
	Packages       string
	AuthorizedKey  string
	PostInstallURL string
}

func (s *Server) render(port int) (map[string][]byte, error) {
	p := s.opts.Profile
	mirror := p.Map("mirror")

	data := templateData{
		Fields:         p.Fields(),
		Username:       s.opts.Username,
		Password:       p.String("password"),
		FullName:       withDefault(p.String("fullname"), s.opts.Username),
		Hostname:       withDefault(p.String("hostname"), "kiln"),
		Domain:         withDefault(p.String("domain"), "localdomain"),
		Locale:         withDefault(p.String("locale"), "en_US.UTF-8"),
		Keyboard:       withDefault(p.String("keyboard"), "us"),
		Timezone:       withDefault(p.String("timezone"), "UTC"),
		MirrorHost:     withDefault(stringValue(mirror["host"]), "deb.debian.org"),
		MirrorPath:     withDefault(stringValue(mirror["path"]), "/debian"),
		Partitioning:   withDefault(p.String("partitioning"), "atomic"),
		Packages:       strings.Join(p.Strings("packages"), " "),
		AuthorizedKey:  strings.TrimSpace(s.opts.AuthorizedKey),
		PostInstallURL: documentURL(GuestHost, port, PostInstallPath),
	}

	docs := make(map[string][]byte, 2)
	for path, tmpl := range map[string]*template.Template{
		PreseedPath:     s.preseed,
		PostInstallPath: s.postInstall,
	} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
		}
		docs[path] = buf.Bytes()
	}
	return docs, nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fmt.Fprintf(s.log, "%s %s %d from %s\n", r.Method, r.URL.Path, rec.status, r.RemoteAddr)
	})
}

func serveDocument(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}
}

func loadTemplate(dir, name string) (*template.Template, error) {
	funcs := template.FuncMap{
		"line":  func(s string) string { return strings.Join(strings.Fields(s), " ") },
		"quote": shellQuote,
	}

	if dir != "" {
		content, err := os.ReadFile(filepath.Join(dir, name))
		switch {
		case err == nil:
			tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, name), err)
			}
			return tmpl, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").ParseFS(embedded, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("parse embedded %s: %w", name, err)
	}
	return tmpl, nil
}

func documentURL(host string, port int, path string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

func withDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
