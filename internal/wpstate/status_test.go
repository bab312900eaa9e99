package wpstate_test

import (
	"testing"

	"github.com/watchforge/fswatch/internal/wpstate"
)

func TestCanTransitionAllowsNamedTransitions(t *testing.T) {
	cases := []struct {
		from, to wpstate.Status
	}{
		{wpstate.NotListening, wpstate.Listening},
		{wpstate.NotListening, wpstate.Finished},
		{wpstate.Listening, wpstate.Cancelled},
		{wpstate.Listening, wpstate.Finished},
		{wpstate.Cancelled, wpstate.Finished},
	}
	for _, c := range cases {
		if !c.from.CanTransition(c.to) {
			t.Errorf("%v -> %v: want allowed", c.from, c.to)
		}
	}
}

func TestCanTransitionRejectsEverythingElse(t *testing.T) {
	all := []wpstate.Status{wpstate.NotListening, wpstate.Listening, wpstate.Cancelled, wpstate.Finished}
	allowed := map[[2]wpstate.Status]bool{
		{wpstate.NotListening, wpstate.Listening}: true,
		{wpstate.NotListening, wpstate.Finished}:  true,
		{wpstate.Listening, wpstate.Cancelled}:    true,
		{wpstate.Listening, wpstate.Finished}:     true,
		{wpstate.Cancelled, wpstate.Finished}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]wpstate.Status{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%v -> %v = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusString(t *testing.T) {
	cases := map[wpstate.Status]string{
		wpstate.NotListening: "NOT_LISTENING",
		wpstate.Listening:    "LISTENING",
		wpstate.Cancelled:    "CANCELLED",
		wpstate.Finished:     "FINISHED",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", s, got, want)
		}
	}
}
