package queue

import "testing"

func TestKeys(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"ids", IDsKey("norish", "imports"), "norish:jobs:imports:ids"},
		{"waiting", WaitingKey("norish", "imports"), "norish:jobs:imports:waiting"},
		{"active", ActiveKey("norish", "imports"), "norish:jobs:imports:active"},
		{"delayed", DelayedKey("norish", "imports"), "norish:jobs:imports:delayed"},
		{"job", JobKey("norish", "imports", "job-1"), "norish:jobs:imports:job:job-1"},
		{"events", EventsKey("norish", "imports"), "norish:jobs:imports:events"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestKeysAreDisjointAcrossQueues(t *testing.T) {
	if IDsKey("norish", "imports") == IDsKey("norish", "enrichment") {
		t.Fatal("queues share a dedup set")
	}
	if WaitingKey("a", "q") == WaitingKey("b", "q") {
		t.Fatal("namespaces share a waiting list")
	}
}
