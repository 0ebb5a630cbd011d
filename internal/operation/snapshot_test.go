package operation

import "testing"

func TestParseLoadAvg(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.52 0.48 0.45 1/234 5678\n", 0.52, true},
		{"12.00 8.50 4.25 3/900 1\n", 12.00, true},
		{"", 0, false},
		{"garbage rest", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseLoadAvg(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseLoadAvg(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSystemSnapshotAlwaysCarriesProcessState(t *testing.T) {
	snap := systemSnapshot(nil)
	for _, key := range []string{"goroutines", "heap_alloc", "num_cpu"} {
		if _, present := snap[key]; !present {
			t.Fatalf("snapshot missing %q: %v", key, snap)
		}
	}
	if g, _ := snap["goroutines"].(int); g < 1 {
		t.Fatalf("goroutine count must be positive, got %v", snap["goroutines"])
	}
	if load, present := snap["load_1m"]; present {
		if load.(float64) < 0 {
			t.Fatalf("load must be non-negative, got %v", load)
		}
	}
}
