package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/zombor/receipt-insights/internal/llm"
)

// Max upload size per request (high-resolution phone photos)
const maxFormSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes an error body of the form {"error": message}
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, err error) {
	var stageErr *StageError
	switch {
	case errors.As(err, &stageErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": stageErr.Message,
			"stage": stageErr.Stage,
		})
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRunNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrRoleLocked):
		jsonError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInvalidState):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrUnknownRole), errors.Is(err, ErrInvalidUpload),
		errors.Is(err, ErrNoUploads), errors.Is(err, llm.ErrUnknownModel):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Unhandled service error", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type roleRequest struct {
	Role     string `json:"role"`
	Password string `json:"password"`
}

type modelRequest struct {
	Model string `json:"model"`
}

// handleIndex serves the HTML interface. The page reads its role from ?role=.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleListModels returns the model choices and the default
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	choices, def := s.service.Models()
	if choices == nil {
		choices = []llm.Choice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  choices,
		"default": def,
	})
}

// handleCreateSession opens a session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := s.service.CreateSession(role, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleListSessions returns all open sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListSessions())
}

// handleGetSession returns a single session
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetSession(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDeleteSession discards a session
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSession(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleSwitchRole changes a session's role
func (s *Server) handleSwitchRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := s.service.SwitchRole(r.PathValue("id"), role, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSelectModel sets a session's model choice
func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.service.SelectModel(r.PathValue("id"), req.Model)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleResetSession returns a session to awaiting upload
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ResetSession(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleUpload adds the files of a multipart request to a session
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "Upload is too large. Maximum size is 50MB. Please compress or resize your images."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File["files"]...)
	headers = append(headers, r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		jsonError(w, "No file was selected. Please choose a receipt to upload.", http.StatusBadRequest)
		return
	}

	uploads := make([]*Upload, 0, len(headers))
	for _, header := range headers {
		upload, err := readUpload(header)
		if err != nil {
			slog.Error("Error reading upload", "filename", header.Filename, "error", err)
			writeServiceError(w, err)
			return
		}
		uploads = append(uploads, upload)
	}

	added, view, err := s.service.AddUploads(r.PathValue("id"), uploads)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":   added,
		"session": view,
	})
}

// readUpload reads one multipart file and decides its content type
func readUpload(header *multipart.FileHeader) (*Upload, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidUpload, header.Filename)
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), data)
	if !acceptedContentType(contentType) {
		return nil, fmt.Errorf("%w: %s has unsupported file type %s", ErrInvalidUpload, header.Filename, contentType)
	}

	return &Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// detectContentType trusts a specific declared type, otherwise sniffs the bytes
func detectContentType(declared string, data []byte) string {
	contentType := normalizeContentType(declared)
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	contentType = normalizeContentType(http.DetectContentType(data))
	if contentType != "application/octet-stream" {
		return contentType
	}

	// net/http does not know HEIC and friends
	return normalizeContentType(mimetype.Detect(data).String())
}

func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func acceptedContentType(ct string) bool {
	return strings.HasPrefix(ct, "image/") || ct == "application/pdf"
}

// pipelineContext detaches a collaborator call from request cancellation;
// a call in flight runs to completion.
func pipelineContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// handleAnalyze runs extraction and normalization
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Analyze(pipelineContext(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSummary generates the narrative summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Summarize(pipelineContext(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleGuidance generates dietary guidance
func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Guide(pipelineContext(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleListRuns returns the run history
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns()
	if err != nil {
		slog.Error("Error listing runs", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a single run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
