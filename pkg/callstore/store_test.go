package callstore

import (
	"errors"
	"testing"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

func TestNewConversation(t *testing.T) {
	t.Parallel()
	c := NewConversation("CA1", "User: hi\n", extract.CallDetails{
		CustomerName:         "Dana",
		CustomerAvailability: "Monday",
		SpecialNotes:         "none",
	})
	want := Conversation{
		SessionID:            "CA1",
		CustomerName:         "Dana",
		CustomerAvailability: "Monday",
		SpecialNotes:         "none",
		Transcript:           "User: hi\n",
	}
	if c != want {
		t.Errorf("got %+v, want %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	for name, c := range map[string]Conversation{
		"no session":    {Transcript: "User: hi\n"},
		"no transcript": {SessionID: "CA1"},
	} {
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", name, err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()
	tests := map[int]int{
		-5:                 DefaultRecentLimit,
		0:                  DefaultRecentLimit,
		1:                  1,
		50:                 50,
		MaxRecentLimit:     MaxRecentLimit,
		MaxRecentLimit + 1: MaxRecentLimit,
	}
	for in, want := range tests {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
