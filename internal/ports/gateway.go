package ports

import (
	"context"

	"github.com/eleven-am/dagflow/internal/domain"
)

type Gateway interface {
	Call(ctx context.Context, target, credentialsRef string, req domain.IntegrationRequest) (*domain.IntegrationResponse, error)
}

// SecretResolver is the external secret-store collaborator.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (domain.Credential, error)
}

// SecretRefresher is implemented by resolvers able to mint a fresh credential
// after the upstream rejected the current one.
type SecretRefresher interface {
	Refresh(ctx context.Context, ref string) (domain.Credential, error)
}

// IntegrationTransport performs the network exchange for a prepared request.
type IntegrationTransport interface {
	Do(ctx context.Context, url string, req domain.IntegrationRequest) (*domain.IntegrationResponse, error)
}
