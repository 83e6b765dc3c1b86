package patient

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Input is the caller-supplied part of a patient record.
type Input struct {
	Name        string `json:"name" validate:"required,max=100"`
	Email       string `json:"email" validate:"required,max=320,email"`
	Address     string `json:"address" validate:"required"`
	DateOfBirth string `json:"dateOfBirth" validate:"required,datetime=2006-01-02"`
}

// ValidationError lists every invalid field. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "invalid patient: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var validate = newValidator()

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

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a valid date in YYYY-MM-DD format"
	default:
		return "is invalid"
	}
}

// normalize trims every field and lower-cases the email, then validates.
func (in Input) normalize() (*Patient, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Address = strings.TrimSpace(in.Address)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)

	if err := validate.Struct(in); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, fmt.Errorf("validate patient: %w", err)
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		return nil, &ValidationError{Fields: fields}
	}

	dob, err := time.Parse(DateLayout, in.DateOfBirth)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"dateOfBirth": "must be a valid date in YYYY-MM-DD format"}}
	}

	return &Patient{
		Name:        in.Name,
		Email:       in.Email,
		Address:     in.Address,
		DateOfBirth: dob,
	}, nil
}
