package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/pixell/agent-billing/api/responses"
	stripewebhook "github.com/pixell/agent-billing/internal/webhooks/stripe"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

const (
	signatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 20
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event stripe.Event) (*stripewebhook.Result, error)
}

// EventVerifier checks a payload against the Stripe-Signature header.
type EventVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeWebhook verifies the raw body against Stripe-Signature before the
// event reaches the webhook service. Verification failures are 400. Handler
// failures keep their 5xx status and Stripe redelivers.
func StripeWebhook(svc StripeWebhookService, verifier EventVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhooks are not configured"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		if len(payload) > maxWebhookBody {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload too large"))
			return
		}

		event, err := verifier.ConstructEvent(payload, r.Header.Get(signatureHeader))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignature, err, signatureProblem(err)))
			return
		}

		ctx = logg.WithFields(ctx, map[string]any{
			"stripe_event_id":   event.ID,
			"stripe_event_type": string(event.Type),
		})
		result, err := svc.HandleEvent(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func signatureProblem(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return "stripe signature missing"
	case errors.Is(err, webhook.ErrInvalidHeader):
		return "malformed stripe signature header"
	case errors.Is(err, webhook.ErrTooOld):
		return "stripe signature timestamp outside tolerance"
	default:
		return "invalid stripe signature"
	}
}
