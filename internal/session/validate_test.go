package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Setenv("SPHERE_HOME", "/tmp/sphere")

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"default session", "default", false},
		{"digits only", "42", false},
		{"workspace slug", "acme-support_2", false},
		{"longest", strings.Repeat("s", 64), false},
		{"empty", "", true},
		{"leading hyphen", "-v", true},
		{"leading underscore", "_tmp", true},
		{"uppercase", "Team", true},
		{"path separator", "ops/alerts", true},
		{"parent directory", "..", true},
		{"whitespace", "on call", true},
		{"unicode", "équipe", true},
		{"over 64 chars", strings.Repeat("s", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}

func TestValidateNameSocketPathLimit(t *testing.T) {
	t.Setenv("SPHERE_HOME", "/tmp/"+strings.Repeat("h", 40))

	if err := ValidateName("short"); err != nil {
		t.Fatalf("short name rejected: %v", err)
	}
	err := ValidateName(strings.Repeat("n", 60))
	if !errors.Is(err, ErrInvalidName) || !strings.Contains(err.Error(), "socket path") {
		t.Errorf("long name under long home: err = %v, want socket path error", err)
	}
}
