package errors

import (
	"strings"
	"testing"
)

func TestValidateDimensions(t *testing.T) {
	tests := []struct {
		name    string
		w, h    int
		wantErr bool
	}{
		{"square", 1000, 1000, false},
		{"one pixel", 1, 1, false},
		{"zero width", 0, 10, true},
		{"negative height", 10, -1, true},
		{"too large", 20000, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDimensions(tt.w, tt.h)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDimensions(%d, %d) error = %v, wantErr %v", tt.w, tt.h, err, tt.wantErr)
			}
		})
	}
}

func TestValidateColor(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"", false},
		{"#fff", false},
		{"#ffffff", false},
		{"#00000080", false},
		{"0xFF0000", false},
		{"red", false},
		{"black@0.5", false},
		{"DarkSlateGray", false},
		{"AliceBlue@0.25", false},
		{"transparent", false},
		{"#ff0000@0.5", false},
		{"0xff0000@.5", false},
		{"#ff0000@1.5", true},
		{"notacolor", true},
		{"#ggg", true},
		{"red;drawbox", true},
		{"rgb(1,2,3)", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateColor(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateColor(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !Is(err, ErrCodeInvalidColor) {
				t.Errorf("ValidateColor(%q) code = %v, want %v", tt.input, GetCode(err), ErrCodeInvalidColor)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"relative", "assets/bg.png", false},
		{"absolute", "/tmp/a.gif", false},
		{"empty", "", true},
		{"null byte", "a\x00b", true},
		{"newline", "a\nb", true},
		{"too long", strings.Repeat("a", 5000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkspacePath(t *testing.T) {
	if err := ValidateWorkspacePath("/tmp/r-1", "/tmp/r-1/layer-0.png"); err != nil {
		t.Errorf("path inside workspace should pass: %v", err)
	}
	if err := ValidateWorkspacePath("/tmp/r-1", "/tmp/other/layer-0.png"); err == nil {
		t.Error("path outside workspace should fail")
	}
	if err := ValidateWorkspacePath("/tmp/r-1", "/tmp/r-1/../x.png"); err == nil {
		t.Error("traversal should fail")
	}
	if err := ValidateWorkspacePath("/tmp/r-1", "/tmp/r-10/layer-0.png"); err == nil {
		t.Error("sibling directory sharing a prefix should fail")
	}
	if err := ValidateWorkspacePath("/tmp/r-1", "/tmp/r-1"); err == nil {
		t.Error("workspace itself is not a layer path")
	}
}
