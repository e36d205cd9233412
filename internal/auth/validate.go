// validate.go -- Request body decoding and struct-tag validation.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps request bodies; every auth payload is a handful of short fields.
const maxBodyBytes = 16 << 10

var validate = newValidator()

// newValidator reports field names by their json tag so messages match the wire format.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON decodes the body into dst and runs its validate tags.
// Writes 400 and returns false on any failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			BadRequest(w, r, validationMessage(verrs[0]))
			return false
		}
		logError(r, "request validation failed", "error", err)
		BadRequest(w, r, "invalid request")
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " required"
	case "email":
		return "invalid email format"
	case "max":
		return fe.Field() + " too long"
	case "min":
		return fe.Field() + " too short"
	}
	return "invalid " + fe.Field()
}
