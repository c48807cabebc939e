package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// publicPath reports whether a path bypasses authentication.
func publicPath(path string) bool {
	switch path {
	case "/", "/health", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/ui/")
}

// auth gates requests on the configured APIKEY. Without a key the server
// listens on loopback only and admits requests whose Origin matches the
// allow-list; a missing Origin counts as same-origin.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		cfg := s.store.Get()
		if cfg.APIKey == "" {
			if originAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins) {
				next.ServeHTTP(w, r)
				return
			}
			s.log.Warn("rejected request from disallowed origin",
				"origin", r.Header.Get("Origin"), "path", r.URL.Path)
			s.writeErrorStatus(w, http.StatusForbidden, "origin not allowed")
			return
		}

		if keyMatches(clientKey(r), cfg.APIKey) {
			next.ServeHTTP(w, r)
			return
		}
		s.writeErrorStatus(w, http.StatusUnauthorized, "invalid or missing API key")
	})
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

// requestLogging logs the start and terminal line of every request with
// credentials redacted.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"content_length", r.ContentLength,
			"user_agent", r.UserAgent(),
		)

		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)

		s.log.Info("request complete",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type loggingWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *loggingWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *loggingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
