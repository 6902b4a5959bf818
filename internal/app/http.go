package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tagdesk/internal/auth"
	"tagdesk/internal/authpw"
	"tagdesk/internal/ranking"
	"tagdesk/internal/session"
	"tagdesk/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"sheets": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sheets"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth-report" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.SignIn(r.Context(), body.Username, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        sess.Token,
			"refreshToken": sess.RefreshToken,
			"userName":     sess.UserName,
			"role":         sess.Role,
			"expiresAt":    sess.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		sess, err := s.service.SessionFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": sess.UserName, "role": sess.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.RefreshSession(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        sess.Token,
			"refreshToken": sess.RefreshToken,
			"userName":     sess.UserName,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Read routes (no session required; the tagging UI polls these)
	if r.Method == http.MethodGet && r.URL.Path == "/api/random-record" {
		rec, err := s.service.RandomRecord(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tagging-stats" {
		writeJSON(w, http.StatusOK, s.service.TaggingStats(r.Context()))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/leaderboard" {
		writeJSON(w, http.StatusOK, map[string]any{"leaderboard": s.service.Leaderboard(r.Context())})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/all-records" {
		records := s.service.AllRecords(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tagged-records" {
		records := s.service.TaggedRecords(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/download-csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := s.service.WriteCSV(r.Context(), w); err != nil {
			log.Printf("csv download aborted: %v", err)
		}
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "random-record-for-user" && r.Method == http.MethodGet {
		rec, err := s.service.RandomRecordFor(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "user-tagged-count" && r.Method == http.MethodGet {
		user := parts[2]
		writeJSON(w, http.StatusOK, map[string]any{
			"user":  user,
			"count": s.service.UserTaggedCount(r.Context(), user),
		})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "records-by-sheet" && r.Method == http.MethodGet {
		records := s.service.RecordsBySheet(r.Context(), parts[2])
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
		return
	}

	// Everything below mutates state or spends LLM quota.
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/tag-record" {
		var body struct {
			Link     string `json:"link"`
			Username string `json:"username"`
			Result   int    `json:"result"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		username := body.Username
		if username == "" {
			username = sess.UserName
		}
		if err := s.service.TagRecord(r.Context(), body.Link, username, body.Result); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "link": body.Link, "tagger": username})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/add-record" {
		var body store.Record
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AddRecord(r.Context(), body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "link": body.Link})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/refresh-data" {
		var body struct {
			Sheet string `json:"sheet"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.RefreshData(r.Context(), body.Sheet); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/generate-story" {
		var body struct {
			Narrative string `json:"narrative"`
			Style     string `json:"style"`
			Context   string `json:"context"`
			Count     int    `json:"count"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Narrative) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "narrative is required", nil)
			return
		}
		// count > 1 asks for independent variants instead of one story.
		if body.Count > 1 {
			stories, err := s.service.StoryVariants(r.Context(), body.Narrative, body.Style, body.Count)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"stories": stories, "count": len(stories)})
			return
		}
		result, err := s.service.GenerateStory(r.Context(), body.Narrative, body.Style, body.Context)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/refine-story" {
		var body struct {
			Story     string `json:"story"`
			Request   string `json:"request"`
			Narrative string `json:"narrative"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Story) == "" || strings.TrimSpace(body.Request) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "story and request are required", nil)
			return
		}
		result, err := s.service.RefineStory(r.Context(), body.Story, body.Request, body.Narrative)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rank-videos" {
		var body struct {
			Narrative string          `json:"narrative"`
			Videos    []ranking.Video `json:"videos"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Narrative) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "narrative is required", nil)
			return
		}
		ranked, err := s.service.RankVideos(r.Context(), body.Videos, body.Narrative)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if ranked == nil {
			ranked = []ranking.RankedVideo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"videos": ranked, "count": len(ranked)})
		return
	}

	// Links are full URLs, so the identity segment may itself contain
	// slashes; everything after the prefix is the link.
	if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/update-record/") {
		link := strings.TrimPrefix(r.URL.Path, "/api/update-record/")
		var body store.FieldDelta
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateRecord(r.Context(), link, body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "link": link})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNoneAvailable):
		return http.StatusNotFound, "NONE_AVAILABLE", "No records available", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrWorksheetNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrAlreadyClaimed):
		return http.StatusConflict, "ALREADY_CLAIMED", "Record already tagged", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Record already exists", nil
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Backing store unavailable", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrTokenNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
