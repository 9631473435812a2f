package main

import "testing"

func TestColorize(t *testing.T) {
	noColor = false
	t.Cleanup(func() { noColor = false })

	if got := colorize(colorYellow, "careful"); got != colorYellow+"careful"+colorReset {
		t.Errorf("colorize = %q", got)
	}

	noColor = true
	if got := colorize(colorYellow, "careful"); got != "careful" {
		t.Errorf("colorize with --no-color = %q", got)
	}
}
