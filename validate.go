package olx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/leebenson/conform"
)

// MaxMessageLength is the longest message body the backend accepts.
const MaxMessageLength = 2000

var validate = validator.New()

// ValidateSendRequest normalizes req in place and checks it before any
// network call. Content is trimmed; empty content fails with ErrEmptyMessage
// and oversized content with ErrMessageTooLong. Both are wrapped in an
// APIError carrying CodeValidation.
func ValidateSendRequest(req *SendMessageRequest) error {
	if err := conform.Strings(req); err != nil {
		return fmt.Errorf("failed to normalize message: %w", err)
	}
	if req.Type == "" {
		req.Type = "text"
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			switch {
			case fe.Field() == "Content" && fe.Tag() == "required":
				return &APIError{Code: CodeValidation, Message: "message cannot be empty", Err: ErrEmptyMessage}
			case fe.Field() == "Content" && fe.Tag() == "max":
				return &APIError{Code: CodeValidation, Message: ErrMessageTooLong.Error(), Err: ErrMessageTooLong}
			case fe.Tag() == "oneof":
				return &APIError{Code: CodeValidation, Message: strings.ToLower(fe.Field()) + " must be one of: " + fe.Param()}
			}
		}
		return &APIError{Code: CodeValidation, Message: verrs[0].Error()}
	}

	if req.Type == "offer" {
		if _, err := req.OfferAmount.Float64(); err != nil {
			return &APIError{Code: CodeValidation, Message: "offer amount is required for offers", Err: err}
		}
	}
	return nil
}

// ValidateContent returns the trimmed message text or a validation error.
func ValidateContent(text string) (string, error) {
	req := SendMessageRequest{Content: text}
	if err := ValidateSendRequest(&req); err != nil {
		return "", err
	}
	return req.Content, nil
}
