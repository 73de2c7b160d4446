package llm

import (
	"context"
	"fmt"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
)

// StoredKeyResolver prefers the owner's stored provider key, falling back to
// the service-level key from the environment. Injected rather than read
// ambiently so deep call stacks never touch configuration.
type StoredKeyResolver struct {
	store       core.Store
	fallbackKey string
}

var _ core.CredentialResolver = (*StoredKeyResolver)(nil)

func NewStoredKeyResolver(store core.Store, fallbackKey string) *StoredKeyResolver {
	return &StoredKeyResolver{store: store, fallbackKey: fallbackKey}
}

func (r *StoredKeyResolver) Resolve(ctx context.Context, ownerID string) (string, error) {
	key, err := r.store.GetUserAPIKey(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("resolve credential: %w", err)
	}
	if key != "" {
		return key, nil
	}
	if r.fallbackKey == "" {
		return "", fmt.Errorf("no provider key configured for owner %s", ownerID)
	}
	return r.fallbackKey, nil
}

// Factory binds the shared client to the credential resolved for each owner.
type Factory struct {
	client   *Client
	resolver core.CredentialResolver
}

func NewFactory(client *Client, resolver core.CredentialResolver) *Factory {
	return &Factory{client: client, resolver: resolver}
}

// For returns embedding and completion providers bound to the owner's key.
func (f *Factory) For(ctx context.Context, ownerID string) (core.EmbeddingProvider, core.CompletionProvider, error) {
	key, err := f.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	bound := f.client.WithAPIKey(key)
	return bound, bound, nil
}
