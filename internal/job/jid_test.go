// ABOUTME: Tests for JID generation
// ABOUTME: Covers format shape, uniqueness under rapid generation, and monotonic ordering

package job

import (
	"sync"
	"testing"
)

func TestNewJIDFormat(t *testing.T) {
	jid := NewJID()
	if !ValidJID(jid) {
		t.Errorf("NewJID() = %q, want 20 decimal digits", jid)
	}
}

func TestNewJIDUniqueAndOrdered(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		jid := NewJID()
		if jid <= prev {
			t.Fatalf("JID %q not strictly greater than previous %q", jid, prev)
		}
		prev = jid
	}
}

func TestNewJIDConcurrent(t *testing.T) {
	const n = 200
	var wg sync.WaitGroup
	jids := make([]string, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			jids[i] = NewJID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, jid := range jids {
		if seen[jid] {
			t.Fatalf("duplicate JID generated: %s", jid)
		}
		seen[jid] = true
	}
}

func TestIncrementJID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"20260830120000000000", "20260830120000000001"},
		{"20260830120000000009", "20260830120000000010"},
		{"99999999999999999999", "00000000000000000000"},
	}
	for _, tc := range cases {
		if got := incrementJID(tc.in); got != tc.want {
			t.Errorf("incrementJID(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
