// Package service exposes the orchestration engine over HTTP.
package service

import (
	"reflect"
	"strings"

	pkgerrors "ChainScope/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewAnalysisService, NewOpsService)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest checks req against its validate tags and reports every
// failing field in one validation error.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return pkgerrors.Validation("invalid request: %v", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without_all":
			fields = append(fields, fe.Field()+" is required")
		case "oneof":
			fields = append(fields, fe.Field()+" must be one of ["+fe.Param()+"]")
		case "max":
			fields = append(fields, fe.Field()+" must be at most "+fe.Param()+" characters")
		default:
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
	}
	return pkgerrors.Validation("invalid request: %s", strings.Join(fields, "; "))
}
