package core

import "testing"

func TestEnforceSingleQuestion(t *testing.T) {
	cases := []struct {
		name, in, want string
		corrected      bool
	}{
		{"statement", "Thanks for sharing that.", "Thanks for sharing that.", false},
		{"one question", "Got it. How long has it hurt?", "Got it. How long has it hurt?", false},
		{"two questions", "How old are you? And what brings you in?", "How old are you?", true},
		{"trailing text", "  Any allergies? Any medications? Thanks.  ", "Any allergies?", true},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EnforceSingleQuestion(tc.in)
			if got.Text != tc.want || got.Corrected != tc.corrected {
				t.Fatalf("EnforceSingleQuestion(%q)=%+v, want {%q %v}", tc.in, got, tc.want, tc.corrected)
			}
		})
	}
}
