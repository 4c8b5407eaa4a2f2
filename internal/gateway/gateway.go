package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Message is one rendered notification bound for one recipient on one
// channel. Rendering/localization happens upstream; the gateway only moves
// bytes.
type Message struct {
	NotificationID string
	Recipient      models.Guardian
	Channel        string
	Subject        string
	Body           string
}

// Sender is a single provider integration.
type Sender interface {
	Supports(channel string) bool
	Send(ctx context.Context, msg Message) error
}

// Gateway fans a message out to the sender that supports its channel,
// applying a per-channel rate limit and a bounded timeout. A timeout counts
// as a retryable failure, never a silent drop.
type Gateway struct {
	senders  []Sender
	limiters map[string]*rate.Limiter
	timeout  time.Duration
	log      zerolog.Logger
}

func New(log zerolog.Logger, timeout time.Duration, ratesPerSec map[string]float64, senders ...Sender) *Gateway {
	limiters := make(map[string]*rate.Limiter, len(ratesPerSec))
	for channel, perSec := range ratesPerSec {
		if perSec <= 0 {
			continue
		}
		limiters[channel] = rate.NewLimiter(rate.Limit(perSec), int(perSec)+1)
	}

	return &Gateway{
		senders:  senders,
		limiters: limiters,
		timeout:  timeout,
		log:      log,
	}
}

func (g *Gateway) Send(ctx context.Context, msg Message) types.DeliveryResult {
	sender := g.senderFor(msg.Channel)
	if sender == nil {
		return types.DeliveryResult{
			Channel: msg.Channel,
			Err:     fmt.Errorf("%w: %s", types.ErrChannelUnavailable, msg.Channel),
		}
	}

	if limiter, ok := g.limiters[msg.Channel]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return types.DeliveryResult{
				Channel:   msg.Channel,
				Retryable: true,
				Err:       fmt.Errorf("%w: rate limiter: %v", types.ErrGatewayFailure, err),
			}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := sender.Send(sendCtx, msg)
	if err != nil {
		retryable := true
		if errors.Is(err, types.ErrChannelUnavailable) {
			retryable = false
		}

		g.log.Warn().
			Str("notification_id", msg.NotificationID).
			Str("channel", msg.Channel).
			Err(err).
			Msg("gateway send failed")

		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s", types.ErrGatewayFailure, g.timeout)
		} else if !errors.Is(err, types.ErrChannelUnavailable) && !errors.Is(err, types.ErrGatewayFailure) {
			err = fmt.Errorf("%w: %v", types.ErrGatewayFailure, err)
		}

		return types.DeliveryResult{Channel: msg.Channel, Retryable: retryable, Err: err}
	}

	return types.DeliveryResult{Channel: msg.Channel, Success: true}
}

func (g *Gateway) senderFor(channel string) Sender {
	for _, s := range g.senders {
		if s.Supports(channel) {
			return s
		}
	}
	return nil
}
