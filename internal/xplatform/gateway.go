package xplatform

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/muni-town/roomy-discord-bridge/internal/bridgeerr"
)

// Gateway is a minimal stand-in for the real X-gateway connection (out of
// scope per spec.md §1: "The X-platform client library"). It decodes
// inbound frames into GatewayEvent values and hands them to a callback; the
// Orchestrator owns exactly one Gateway process-wide and fans events out by
// guildId (spec §2).
type Gateway struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     zerolog.Logger
}

// frame is the wire envelope this stand-in expects; a real gateway client
// would speak the platform's actual opcode protocol.
type frame struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

func Dial(ctx context.Context, url string, log zerolog.Logger) (*Gateway, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, bridgeerr.Storage("gateway.dial", err)
	}
	return &Gateway{
		conn: conn,
		// Rate limiting is delegated entirely to the X-client library
		// (spec §5), not done by the sync engine. This limiter (50/s, burst
		// 50) is constructed but no code path waits on it: the stand-in
		// only reads frames and sends no outbound traffic.
		limiter: rate.NewLimiter(rate.Limit(50), 50),
		log:     log.With().Str("component", "xplatform.gateway").Logger(),
	}, nil
}

// Listen decodes frames until ctx is canceled or the connection closes,
// dispatching each to onEvent. Unknown frame types are logged and skipped.
func (g *Gateway) Listen(ctx context.Context, onEvent func(GatewayEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, raw, err := g.conn.ReadMessage()
		if err != nil {
			return bridgeerr.Storage("gateway.read", err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			g.log.Warn().Err(err).Msg("failed to decode gateway frame")
			continue
		}
		evt, ok := decodeFrame(f)
		if !ok {
			g.log.Debug().Str("type", f.Type).Msg("unrecognized gateway frame type")
			continue
		}
		onEvent(evt)
	}
}

func decodeFrame(f frame) (GatewayEvent, bool) {
	var evt GatewayEvent
	switch f.Type {
	case "CHANNEL_CREATE":
		var e ChannelCreate
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "THREAD_CREATE":
		var e ThreadCreate
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "MESSAGE_CREATE":
		var e MessageCreate
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "MESSAGE_UPDATE":
		var e MessageUpdate
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "MESSAGE_DELETE":
		var e MessageDelete
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "MESSAGE_REACTION_ADD":
		var e ReactionAdd
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	case "MESSAGE_REACTION_REMOVE":
		var e ReactionRemove
		if json.Unmarshal(f.Data, &e) != nil {
			return nil, false
		}
		evt = e
	default:
		return nil, false
	}
	return evt, true
}

func (g *Gateway) Close() error {
	return g.conn.Close()
}
