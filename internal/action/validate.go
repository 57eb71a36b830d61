package action

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// validate is shared by action payloads and API request types.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return models.Severity(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("criticality", func(fl validator.FieldLevel) bool {
		switch models.Criticality(fl.Field().String()) {
		case models.CriticalityCritical, models.CriticalityHigh, models.CriticalityMedium, models.CriticalityLow:
			return true
		}
		return false
	})
}

// ValidateStruct runs struct-tag validation on v and converts the first failure
// into a models.ValidationError.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &models.ValidationError{
			Field:   fe.Field(),
			Message: describe(fe),
		}
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return &models.ValidationError{Message: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "severity":
		return "must be one of [critical high medium low]"
	case "criticality":
		return "must be one of [critical high medium low]"
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
