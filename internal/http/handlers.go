package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"finbot/internal/aggregation"
	"finbot/internal/core"
	"finbot/internal/export"
	"finbot/internal/log"
)

const (
	maxWebhookBody    = 1 << 20
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxUserIDLength   = 64
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleWebhook always answers 200 once the update is decoded so Telegram
// does not redeliver it; handling failures are logged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(secretTokenHeader)
	if s.opts.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&update); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Invalid webhook payload", log.FieldError, err)
		writeError(w, http.StatusBadRequest, "invalid update")
		return
	}

	if err := s.updates.HandleUpdate(r.Context(), update); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Webhook update failed",
			"update_id", update.UpdateID, log.FieldError, err)
	}
	w.WriteHeader(http.StatusOK)
}

type summaryResponse struct {
	UserID        string                      `json:"user_id"`
	Summary       aggregation.Summary         `json:"summary"`
	IncomeTotals  []aggregation.CategoryTotal `json:"income_totals"`
	ExpenseTotals []aggregation.CategoryTotal `json:"expense_totals"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	summary, err := s.reports.Summary(ctx, userID)
	if err != nil {
		s.internalError(w, r, "summary", err)
		return
	}
	income, _, err := s.reports.CategoryTotals(ctx, userID, core.Income)
	if err != nil {
		s.internalError(w, r, "income totals", err)
		return
	}
	expense, _, err := s.reports.CategoryTotals(ctx, userID, core.Expense)
	if err != nil {
		s.internalError(w, r, "expense totals", err)
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		UserID:        userID,
		Summary:       summary,
		IncomeTotals:  income,
		ExpenseTotals: expense,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	txs, err := s.reports.Transactions(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, "export", err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, txs); err != nil {
		s.internalError(w, r, "export", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.FileName(userID, s.opts.Now())))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())

	log.FromContext(r.Context()).InfoContext(r.Context(), "CSV export served",
		log.FieldUserID, userID, log.FieldOperation, log.OpExport, log.FieldTransaction, len(txs))
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.opts.APIToken == "" || !found || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func userIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" || len(id) > maxUserIDLength {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return "", false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
		log.FieldOperation, what, log.FieldError, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
