package apperr

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

const genericInternalMessage = "An unexpected error occurred. Please try again later."

// genericMessages are shown for errors that carry no message of their own.
var genericMessages = map[Kind]string{
	KindTimeout:         "The operation timed out. Please try again later.",
	KindExternalService: "A dependent service is unavailable. Please try again later.",
}

func genericMessage(k Kind) string {
	if msg, ok := genericMessages[k]; ok {
		return msg
	}
	return genericInternalMessage
}

// Public is the caller-facing shape of a classified error.
type Public struct {
	Code              string `json:"code"`
	Classification    Kind   `json:"classification"`
	Message           string `json:"message"`
	Field             string `json:"field,omitempty"`
	HTTPStatus        int    `json:"httpStatus"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	TrackingID        string `json:"trackingId,omitempty"`
}

// Reporter turns errors into Public values and logs the ones callers cannot see.
type Reporter struct {
	logger *slog.Logger
}

func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger}
}

// Public classifies err for operation op. INTERNAL_ERROR and unclassified
// failures are logged at error level with the raw cause and a tracking id;
// the caller only ever receives the generic message and that id.
func (r *Reporter) Public(ctx context.Context, op string, err error) Public {
	kind := Classify(err)
	c := kind.Classification()
	out := Public{
		Code:           CodeOf(err),
		Classification: c.Kind,
		HTTPStatus:     c.HTTPStatus,
		Retryable:      c.Retryable,
	}
	if c.Retryable {
		out.RetryAfterSeconds = int(c.RetryAfter.Seconds())
	}

	var ae *Error
	classified := errors.As(err, &ae)

	switch {
	case kind == KindInternal:
		out.TrackingID = uuid.NewString()
		out.Code = CodeInternal
		out.Message = genericInternalMessage
		r.logger.ErrorContext(ctx, "internal error", "op", op, "tracking_id", out.TrackingID, "error", err)
	case classified:
		out.Message = Sanitize(ae.Message)
		out.Field = SanitizeField(ae.Field)
		if kind == KindExternalService || kind == KindTimeout {
			r.logger.WarnContext(ctx, "dependency failure", "op", op, "code", out.Code, "error", err)
		}
	default:
		out.Message = genericMessage(kind)
		r.logger.WarnContext(ctx, "operation failed", "op", op, "classification", kind, "error", err)
	}
	return out
}
