package coordinator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"exception-collector/internal/apperr"
)

const (
	maxActorLength           = 255
	maxReasonLength          = 500
	maxNotesLength           = 1000
	maxResolutionNotesLength = 2000
)

var transactionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

func validateTransactionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation(apperr.CodeMissingField, "transactionId", "transaction id is required")
	}
	if !transactionIDPattern.MatchString(id) {
		return apperr.Validation(apperr.CodeInvalidTransactionID, "transactionId",
			"transaction id must be 1-255 letters, digits, hyphens or underscores")
	}
	return nil
}

func validateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return apperr.Validation(apperr.CodeMissingField, "actor", "actor is required")
	}
	if utf8.RuneCountInString(actor) > maxActorLength {
		return apperr.Validation(apperr.CodeInvalidField, "actor",
			fmt.Sprintf("actor must be at most %d characters", maxActorLength))
	}
	return nil
}

func validateLength(field, value string, limit int, code string) error {
	if utf8.RuneCountInString(value) > limit {
		return apperr.Validation(code, field, fmt.Sprintf("%s must be at most %d characters", field, limit))
	}
	return nil
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
