package utils

import (
	"encoding/json"
	"fmt"
	"reflect"

	"fleet-svc/app/domains"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "" {
			return fld.Name
		}
		return name
	})
}

// ValidateStruct validates a struct using go-playground/validator.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		validationErrors := make(map[string]string)
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors[err.Field()] = fmt.Sprintf("validation failed: %s", err.Tag())
		}
		return fmt.Errorf("%w: %v", domains.ErrValidation, validationErrors)
	}
	return nil
}

// ValidatePayload checks a raw task payload against the registered
// shape for its type. registry maps each task type to a zero value of
// its payload struct.
func ValidatePayload(registry map[domains.TaskType]interface{}, taskType domains.TaskType, payload map[string]interface{}) error {
	schema, exists := registry[taskType]
	if !exists {
		return fmt.Errorf("%w: unknown task type %s", domains.ErrValidation, taskType)
	}

	schemaType := reflect.TypeOf(schema)
	instance := reflect.New(schemaType).Interface()

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, instance); err != nil {
		return fmt.Errorf("%w: payload does not match %s shape: %v", domains.ErrValidation, taskType, err)
	}

	return ValidateStruct(instance)
}
