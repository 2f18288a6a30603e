package transcript

import "testing"

func TestGuessCallerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Hi, my name is Dana.", "Dana"},
		{"my name's bob and I need a plumber", "Bob"},
		{"Hello, this is Priya speaking", "Priya"},
		{"I'm Jean-Luc.", "Jean-luc"},
		{"I'm calling about my appointment", ""},
		{"this is urgent", ""},
		{"Dana.", "Dana"},
		{"Dana Smith", "Dana"},
		{"yes", ""},
		{"", ""},
		{"I am not sure, call me Sam", "Sam"},
		{"ȺȺȺ my name is Al", "Al"},
		{"İİİ my name is Al", "Al"},
		{"MY NAME IS ȾOM", "Ⱦom"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := GuessCallerName(tt.in); got != tt.want {
				t.Errorf("GuessCallerName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
