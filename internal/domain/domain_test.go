package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s,%s)=%v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseRepoURL(t *testing.T) {
	cases := map[string][2]string{
		"https://github.com/acme/widgets":     {"acme", "widgets"},
		"https://github.com/acme/widgets.git": {"acme", "widgets"},
		"git@github.com:acme/widgets.git":     {"acme", "widgets"},
		"https://github.com/acme":             {"", ""},
		"":                                    {"", ""},
	}
	for in, want := range cases {
		owner, name := ParseRepoURL(in)
		if owner != want[0] || name != want[1] {
			t.Errorf("ParseRepoURL(%q)=%q,%q want %q,%q", in, owner, name, want[0], want[1])
		}
	}
}
