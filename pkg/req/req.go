package req

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/Dhoini/license-service/pkg/res"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode декодирует JSON из io.ReadCloser в структуру типа T.
func Decode[T any](body io.ReadCloser) (T, error) {
	var payload T
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return validate.Struct(payload)
}

// Var валидирует одиночное значение по тегу validator.
func Var(value any, tag string) error {
	return validate.Var(value, tag)
}

// HandleBody декодирует, валидирует и обрабатывает тело запроса.
func HandleBody[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger) (*T, error) {
	body, err := Decode[T](r.Body)
	if err != nil {
		log.Debugw("Failed to decode request body", "error", err)
		res.JsonResponse(w, res.ErrorResponse{Error: "malformed request body", ErrorCode: "invalid_argument"}, http.StatusBadRequest)
		return nil, err
	}

	if err := IsValid(body); err != nil {
		log.Debugw("Request body validation failed", "error", err)
		res.JsonResponse(w, res.ErrorResponse{
			Error:     "invalid request data",
			ErrorCode: "invalid_argument",
			Details:   validationDetails(err),
		}, http.StatusBadRequest)
		return nil, err
	}
	return &body, nil
}

func validationDetails(err error) map[string]string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
