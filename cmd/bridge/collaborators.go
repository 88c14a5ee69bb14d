package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/muni-town/roomy-discord-bridge/internal/config"
	"github.com/muni-town/roomy-discord-bridge/internal/ids"
	"github.com/muni-town/roomy-discord-bridge/internal/orchestrator"
	"github.com/muni-town/roomy-discord-bridge/internal/rplatform"
	"github.com/muni-town/roomy-discord-bridge/internal/xplatform"
)

var errCollaboratorNotConfigured = errors.New("bridge: out-of-scope collaborator has no concrete wiring in this deployment")

// newStream would construct the real R-platform stream client (event
// decode, backfill cursor, subscription transport); that client is an
// out-of-scope collaborator (spec.md §1). This binary has nothing real to
// dial it against, so it is left as the seam a deployment wires a concrete
// client into.
func newStream(ctx context.Context, cfg *config.Config) (rplatform.Stream, error) {
	return unconfiguredStream{}, nil
}

type unconfiguredStream struct{}

func (unconfiguredStream) Backfill(ctx context.Context, spaceDid, fromCursor string, handler func(context.Context, rplatform.Event) error) (string, error) {
	return "", errCollaboratorNotConfigured
}

func (unconfiguredStream) Subscribe(ctx context.Context, spaceDid, fromCursor string, handler func(context.Context, rplatform.Event) error) error {
	return errCollaboratorNotConfigured
}

func (unconfiguredStream) Send(ctx context.Context, spaceDid string, ev rplatform.Event) (ids.RUlid, error) {
	return "", errCollaboratorNotConfigured
}

// newClientFactory would build the real per-pairing X REST client (auth,
// rate limiting, retries); that client is an out-of-scope collaborator
// (spec.md §1). Each pairing's XToken is available on config.Pairing for a
// real factory to consume.
func newClientFactory(log zerolog.Logger) orchestrator.ClientFactory {
	return func(pairing config.Pairing) (xplatform.Client, error) {
		return nil, errCollaboratorNotConfigured
	}
}
