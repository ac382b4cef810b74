package records

import "testing"

func TestRoundHalfUp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "half rounds up", input: "12.345", want: "12.35"},
		{name: "below half rounds down", input: "12.344", want: "12.34"},
		{name: "negative half rounds away from zero", input: "-12.345", want: "-12.35"},
		{name: "already two places", input: "7.50", want: "7.50"},
		{name: "integer gains places", input: "3", want: "3.00"},
		{name: "long tail", input: "0.005", want: "0.01"},
		{name: "zero", input: "0", want: "0.00"},
		{name: "whitespace tolerated", input: " 1.005 ", want: "1.01"},
		{name: "scientific notation", input: "1.2345e1", want: "12.35"},
		{name: "not a number", input: "n/a", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := RoundHalfUp(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("RoundHalfUp(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RoundHalfUp(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("RoundHalfUp(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
