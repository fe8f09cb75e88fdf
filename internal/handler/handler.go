package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Dan9191/loans-finder/internal/apperrors"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/service"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const statusSuccess = "success"

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

type Handler struct {
	svc *service.Service
	log *logrus.Logger
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	msg := "Internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if kind == apperrors.KindInternal || kind == apperrors.KindTransient {
		h.log.WithError(err).Error(msg)
	} else {
		h.log.WithError(err).Debug(msg)
	}
	h.writeJSON(w, kind.HTTPStatus(), map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("Invalid request body", err)
	}
	return nil
}

// CreateLoan handles loan creation
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req models.CreateLoanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	loan, err := h.svc.CreateLoan(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "loan": loan})
}

// ListLoans handles the loan listing
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.svc.ListLoans(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loans)
}

// GetLoan returns one loan with its variants
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.svc.GetLoan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

// DeleteLoan handles loan removal
func (h *Handler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteLoan(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": statusSuccess})
}

// CreateLoanVariant handles variant creation under a loan
func (h *Handler) CreateLoanVariant(w http.ResponseWriter, r *http.Request) {
	var req models.CreateVariantRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	v, err := h.svc.CreateLoanVariant(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "loan_variant": v})
}

// DeleteLoanVariant handles variant removal
func (h *Handler) DeleteLoanVariant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.DeleteLoanVariant(r.Context(), vars["id"], vars["variantId"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": statusSuccess})
}

// ListRates handles the rate listing
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.svc.ListRates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rates)
}

// UpsertRate handles rate creation and update
func (h *Handler) UpsertRate(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertRateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	rate, err := h.svc.UpsertRate(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "rate": rate})
}

// StartQuery submits a loan matching query
func (h *Handler) StartQuery(w http.ResponseWriter, r *http.Request) {
	var req models.StartQueryRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.svc.StartQuery(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ShowQuery polls a query
func (h *Handler) ShowQuery(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ShowQuery(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
