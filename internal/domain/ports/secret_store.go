package ports

import "context"

// SecretStore resolves named secrets such as the gateway security key
// and webhook signing secrets.
//
// Names may carry a "#field" suffix to select one field of a JSON secret,
// e.g. "funnel/gateway#security_key".
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}
