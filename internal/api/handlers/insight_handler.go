package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/core/insight"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

type InsightHandler struct {
	store    core.Store
	insights *insight.Factory
}

func NewInsightHandler(store core.Store, ins *insight.Factory) *InsightHandler {
	return &InsightHandler{store: store, insights: ins}
}

type extractRequest struct {
	ManifestID string `json:"manifest_id,omitempty"`
	Text       string `json:"text,omitempty"`
	Domain     string `json:"domain"`
}

type extractResponse struct {
	Insights      []models.ExtractedInsight `json:"insights"`
	IncludedCount int                       `json:"included_count"`
	ParseFailed   bool                      `json:"parse_failed"`
}

// Extract runs the classification prompt for the requested domain over
// either ad-hoc text or a stored manifest item. Low-confidence insights are
// returned alongside high-confidence ones, just unchecked.
func (h *InsightHandler) Extract(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	domain := insight.Domain(req.Domain)
	if domain != insight.DomainPartner && domain != insight.DomainSelf {
		http.Error(w, "domain must be 'partner' or 'self'", http.StatusBadRequest)
		return
	}

	input := insight.Input{Text: req.Text}
	if strings.TrimSpace(req.Text) == "" {
		if req.ManifestID == "" {
			http.Error(w, "text or manifest_id required", http.StatusBadRequest)
			return
		}
		item, err := h.store.GetItem(r.Context(), ownerID, req.ManifestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if item == nil {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}
		input.Text = item.Content
		if strings.TrimSpace(input.Text) == "" {
			http.Error(w, "item has no extracted text", http.StatusUnprocessableEntity)
			return
		}
	}

	extractor, err := h.insights.ForOwner(r.Context(), ownerID)
	if err != nil {
		http.Error(w, fmt.Sprintf("resolve provider: %v", err), http.StatusBadGateway)
		return
	}

	insights, err := extractor.Extract(r.Context(), input, domain)

	var parseErr *insight.ParseError
	if errors.As(err, &parseErr) {
		// Parse failures return an empty result with an explicit flag
		// instead of a guessed interpretation.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(extractResponse{
			Insights:    []models.ExtractedInsight{},
			ParseFailed: true,
		})
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("extraction failed: %v", err), http.StatusBadGateway)
		return
	}

	included := 0
	for _, ins := range insights {
		if ins.Included {
			included++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(extractResponse{
		Insights:      insights,
		IncludedCount: included,
	})
}
