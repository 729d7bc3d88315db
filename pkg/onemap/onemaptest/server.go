// Package onemaptest provides an in-memory OneMap server for tests.
package onemaptest

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	// SessionID is the connect.sid value issued on login.
	SessionID = "s%3Atest-session"
	// CSRFToken is the csrfToken value issued on login.
	CSRFToken = "csrf-test"
)

// Server fakes the login and attributes endpoints.
type Server struct {
	*httptest.Server

	Email    string
	Password string

	mu          sync.Mutex
	records     map[string][]map[string]any
	searchForms []url.Values
	logins      int
	failStatus  int
	failQueries map[string]int
	omitCSRF    bool
}

// NewServer starts a fake OneMap that accepts the given credentials.
// The server is closed when the test ends.
func NewServer(t testing.TB, email, password string) *Server {
	t.Helper()
	s := &Server{
		Email:       email,
		Password:    password,
		records:     make(map[string][]map[string]any),
		failQueries: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/api/apps/app/getattributes", s.handleSearch)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetRecords registers the records returned for query q.
func (s *Server) SetRecords(q string, recs []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[q] = recs
}

// FailSearches makes every search respond with status until reset with 0.
func (s *Server) FailSearches(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
}

// FailQuery makes searches for q respond with status until reset with 0.
func (s *Server) FailQuery(q string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failQueries, q)
		return
	}
	s.failQueries[q] = status
}

// OmitCSRF stops the login handler from issuing the csrfToken cookie.
func (s *Server) OmitCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitCSRF = true
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// SearchForms returns the form of every search request received.
func (s *Server) SearchForms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.searchForms))
	copy(out, s.searchForms)
	return out
}

// Drops builds n records for site numbered from DR<base>.
func Drops(site string, base, n int) []map[string]any {
	recs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, map[string]any{
			"prop_id":   strconv.Itoa(base + i),
			"drp":       fmt.Sprintf("DR%d", base+i),
			"pole":      fmt.Sprintf("%s.P.A%d", site, (base+i)%7),
			"site":      site,
			"status":    "Home Installation: Installed",
			"address":   fmt.Sprintf("%d Main Road", i+1),
			"latitude":  fmt.Sprintf("-26.%04d", i),
			"longitude": 27.8 + float64(i)/10000,
			"created":   "2025-01-01 08:00:00",
			"modified":  "2025-02-01 09:30:00",
		})
	}
	return recs
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.ParseForm() != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("email") != s.Email || r.PostForm.Get("password") != s.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.logins++
	omit := s.omitCSRF
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "connect.sid", Value: SessionID, Path: "/", HttpOnly: true})
	if !omit {
		http.SetCookie(w, &http.Cookie{Name: "csrfToken", Value: CSRFToken, Path: "/"})
	}
	w.Header().Set("Location", "/")
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("connect.sid"); err != nil || c.Value != SessionID {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.searchForms = append(s.searchForms, r.PostForm)
	status := s.failStatus
	if st, ok := s.failQueries[r.PostForm.Get("q")]; ok {
		status = st
	}
	recs, ok := s.records[r.PostForm.Get("q")]
	if !ok {
		recs = s.matchDRLocked(r.PostForm.Get("q"))
	}
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"upstream"}`))
		return
	}

	page, _ := strconv.Atoi(r.PostForm.Get("page"))
	limit, _ := strconv.Atoi(r.PostForm.Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(recs) {
		start = len(recs)
	}
	if end > len(recs) {
		end = len(recs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"result":       recs[start:end],
		"total_pages":  math.Ceil(float64(len(recs)) / float64(limit)),
		"current_page": page,
	})
}

func (s *Server) matchDRLocked(q string) []map[string]any {
	var out []map[string]any
	if q == "" {
		return out
	}
	for _, recs := range s.records {
		for _, rec := range recs {
			if drp, _ := rec["drp"].(string); strings.Contains(drp, q) {
				out = append(out, rec)
			}
		}
	}
	return out
}
