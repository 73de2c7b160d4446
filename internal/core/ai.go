package core

import "context"

// EmbeddingProvider turns a batch of texts into fixed-dimension vectors.
// Implementations must preserve input order and fail the whole batch on any
// non-success response.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionProvider is the chat/completion side of the AI collaborator.
// CompleteWithImages carries base64 data-URI image parts for the vision
// fallback path.
type CompletionProvider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteWithImages(ctx context.Context, systemPrompt, userPrompt string, imageURIs []string) (string, error)
}

// ProviderFactory hands out AI providers bound to the credential resolved
// for an owner.
type ProviderFactory interface {
	For(ctx context.Context, ownerID string) (EmbeddingProvider, CompletionProvider, error)
}

// CredentialResolver maps an owner to the provider credential the pipeline
// should use: the user's stored key when present, else the service default.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID string) (string, error)
}
