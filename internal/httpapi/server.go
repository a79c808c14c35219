// Package httpapi exposes the validation engine over HTTP: single, batch
// and streaming bulk validation plus health and metrics endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/optimode/mailprobe"
	"github.com/optimode/mailprobe/internal/csvstream"
	"github.com/optimode/mailprobe/types"
)

// MaxUploadBytes caps bulk CSV uploads at 10 MiB.
const MaxUploadBytes = 10 << 20

// Server wires the Validator to the HTTP surface.
type Server struct {
	validator  *mailprobe.Validator
	corsOrigin string
	log        hclog.Logger
	mux        *http.ServeMux
}

// New builds the server. corsOrigin may be "" (treated as "*").
func New(v *mailprobe.Validator, corsOrigin string, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	s := &Server{
		validator:  v,
		corsOrigin: corsOrigin,
		log:        log.Named("http"),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /validate", s.handleValidate)
	s.mux.HandleFunc("POST /validate/batch", s.handleBatch)
	s.mux.HandleFunc("POST /validate/bulk", s.handleBulk)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// Handler returns the fully assembled handler chain.
func (s *Server) Handler() http.Handler {
	return s.cors(s.mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"reason": "Email is required",
		})
		return
	}

	res, err := s.validator.Validate(r.Context(), req.Email)
	if err != nil {
		// Only cancellation reaches here; the client is gone.
		s.log.Debug("validation aborted", "err", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []string `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"reason": "Invalid request body",
		})
		return
	}

	results := s.validator.ValidateBatch(r.Context(), req.Emails)
	if results == nil {
		results = []types.ValidationResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

// handleBulk accepts a multipart CSV upload and streams NDJSON progress
// events back, or the annotated CSV when the client asks for text/csv.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)

	file, err := s.openUpload(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"reason": err.Error(),
		})
		return
	}
	defer file.Close()
	defer func() {
		// Multipart uploads above the memory threshold spool to temp
		// files; RemoveAll deletes them regardless of outcome.
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	reader, err := csvstream.NewReader(file)
	if err != nil {
		reason := "Invalid CSV file"
		if errors.Is(err, csvstream.ErrNoEmailColumn) {
			reason = "CSV must have an email column"
		}
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "reason": reason})
		return
	}

	rows, emails, err := reader.ReadAll()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "reason": "Invalid CSV file"})
		return
	}

	if wantsCSV(r) {
		s.streamCSV(w, r, reader.Header(), rows, emails)
		return
	}
	s.streamNDJSON(w, r, emails)
}

// openUpload fetches and sanity-checks the uploaded file part.
func (s *Server) openUpload(r *http.Request) (multipart.File, error) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return nil, errors.New("File too large or not multipart")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("CSV file is required")
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		file.Close()
		return nil, errors.New("Only .csv files are accepted")
	}
	return file, nil
}

func wantsCSV(r *http.Request) bool {
	if r.URL.Query().Get("format") == "csv" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// streamNDJSON writes one JSON object per line: progress events then the
// terminal complete/error event.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, emails []string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range s.validator.ValidateStream(r.Context(), emails) {
		if err := enc.Encode(ev); err != nil {
			s.log.Debug("bulk stream consumer gone", "err", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// streamCSV validates everything and writes the annotated CSV.
func (s *Server) streamCSV(w http.ResponseWriter, r *http.Request, header []string, rows [][]string, emails []string) {
	results := s.validator.ValidateBatch(r.Context(), emails)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="validation_results.csv"`)
	w.WriteHeader(http.StatusOK)

	cw, err := csvstream.NewWriter(w, header)
	if err != nil {
		s.log.Error("writing csv header", "err", err)
		return
	}
	for i, row := range rows {
		if err := cw.Write(row, results[i]); err != nil {
			s.log.Debug("csv consumer gone", "err", err)
			return
		}
	}
	if err := cw.Flush(); err != nil {
		s.log.Debug("csv flush", "err", err)
	}
}
