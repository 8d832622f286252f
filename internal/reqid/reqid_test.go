package reqid

import (
	"strings"
	"sync"
	"testing"
)

func TestNewShape(t *testing.T) {
	id := New()
	if !Valid(id) {
		t.Fatalf("New() = %q, does not match expected shape", id)
	}
	if strings.ContainsAny(id, `/\.:`) {
		t.Fatalf("New() = %q contains path characters", id)
	}
}

func TestNewUnique(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := New()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("got %d unique ids, want %d", len(seen), n)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"req-dfd275036d2869caa7072e47ab5a9fe1", true},
		{"req-DFD275036D2869CAA7072E47AB5A9FE1", false},
		{"req-dfd27503", false},
		{"../etc/passwd", false},
		{"req-dfd275036d2869caa7072e47ab5a9fe1.epub", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
