package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sarathsp06/tenanthooks/internal/events"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("webhook_url", func(fl validator.FieldLevel) bool {
		return validWebhookURL(fl.Field().String())
	})
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return events.IsKnown(fl.Field().String())
	})
	return v
}

func validWebhookURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// validateSubscription checks the complete subscription as it would be stored.
func (s *Service) validateSubscription(sub *webhooks.Subscription) error {
	err := s.validate.Struct(sub)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate subscription: %w", err)
	}

	ve := &webhooks.ValidationError{Message: "invalid subscription"}
	for _, fe := range fieldErrs {
		ve.Details = append(ve.Details, webhooks.FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	if unknown := events.Unknown(sub.EventTypes); len(unknown) > 0 {
		ve.Message = "unknown event types: " + strings.Join(unknown, ", ")
	}
	return ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "webhook_url":
		return "url must start with http:// or https://"
	case "event_type":
		return fmt.Sprintf("unknown event type %q", fe.Value())
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " item"
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func validateEventType(eventType string) error {
	if events.IsKnown(eventType) {
		return nil
	}
	ve := webhooks.NewValidationError("event_type", fmt.Sprintf("unknown event type %q", eventType))
	ve.Message = "unknown event type: " + eventType
	ve.Details[0].Rule = "event_type"
	return ve
}
