package market

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
)

var hhmmRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// hhmm is a 24h wall-clock time such as 09:30
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmRe.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and turns the first failure into a
// validation error naming the JSON field.
func validateStruct(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation(err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validationf("%s is required", fe.Field())
	case "hhmm":
		return apperr.Validationf("%s must be HH:MM", fe.Field())
	case "oneof":
		return apperr.Validationf("%s must be one of: %s", fe.Field(), fe.Param())
	case "email":
		return apperr.Validationf("%s must be a valid email", fe.Field())
	default:
		return apperr.Validationf("%s failed %s", fe.Field(), tagDescription(fe))
	}
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}

func positive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return apperr.Validationf("%s must be positive", field)
	}
	return nil
}

func meetingWindow(start, end string) error {
	return lifecycle.CheckMeetingWindow(start, end)
}
