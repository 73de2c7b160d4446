package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
)

// SearchHandler embeds a query and returns the owner's nearest chunks — the
// retrieval side the intake pipeline prepares for.
type SearchHandler struct {
	store     core.Store
	providers core.ProviderFactory
}

func NewSearchHandler(store core.Store, providers core.ProviderFactory) *SearchHandler {
	return &SearchHandler{store: store, providers: providers}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID, ok := ctx.Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 5
	}

	embedder, _, err := h.providers.For(ctx, ownerID)
	if err != nil {
		http.Error(w, fmt.Sprintf("resolve provider: %v", err), http.StatusBadGateway)
		return
	}

	vecs, err := embedder.Embed(ctx, []string{req.Query})
	if err != nil || len(vecs) == 0 {
		http.Error(w, fmt.Sprintf("embedding failed: %v", err), http.StatusBadGateway)
		return
	}

	chunks, err := h.store.SearchChunks(ctx, ownerID, vecs[0], req.Limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("search failed: %v", err), http.StatusInternalServerError)
		return
	}

	// Embeddings are dead weight on the wire for search results.
	for i := range chunks {
		chunks[i].Embedding = nil
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chunks)
}
