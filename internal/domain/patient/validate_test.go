package patient

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		wantFields []string
	}{
		{name: "valid", in: validInput()},
		{name: "missing everything", in: Input{}, wantFields: []string{"name", "email", "address", "dateOfBirth"}},
		{name: "bad email", in: Input{Name: "A", Email: "nope", Address: "1 St", DateOfBirth: "1990-01-01"}, wantFields: []string{"email"}},
		{name: "bad date", in: Input{Name: "A", Email: "a@x.com", Address: "1 St", DateOfBirth: "01/02/1990"}, wantFields: []string{"dateOfBirth"}},
		{name: "impossible date", in: Input{Name: "A", Email: "a@x.com", Address: "1 St", DateOfBirth: "1990-02-30"}, wantFields: []string{"dateOfBirth"}},
		{name: "long name", in: Input{Name: strings.Repeat("n", 101), Email: "a@x.com", Address: "1 St", DateOfBirth: "1990-01-01"}, wantFields: []string{"name"}},
		{name: "blank after trim", in: Input{Name: "   ", Email: "a@x.com", Address: "1 St", DateOfBirth: "1990-01-01"}, wantFields: []string{"name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.in.normalize()
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.DateOfBirth.Format(DateLayout) != tt.in.DateOfBirth {
					t.Errorf("expected dob %s, got %s", tt.in.DateOfBirth, p.DateOfBirth.Format(DateLayout))
				}
				return
			}

			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			for _, f := range tt.wantFields {
				if _, ok := verr.Fields[f]; !ok {
					t.Errorf("expected field %q in %v", f, verr.Fields)
				}
			}
			if len(verr.Fields) != len(tt.wantFields) {
				t.Errorf("expected %d fields, got %v", len(tt.wantFields), verr.Fields)
			}
		})
	}
}

func TestNormalize_TrimsAndLowercases(t *testing.T) {
	p, err := Input{Name: "  Ann ", Email: " Ann@X.Com ", Address: " 1 St ", DateOfBirth: "1990-01-01"}.normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "Ann" || p.Email != "ann@x.com" || p.Address != "1 St" {
		t.Errorf("unexpected normalized patient: %+v", p)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"email": "is required", "address": "is required"}}
	want := "invalid patient: address is required; email is required"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
