package bucket_test

import (
	"fmt"
	"testing"

	"github.com/headline-goat/splitgoat/internal/bucket"
)

func TestHash_Deterministic(t *testing.T) {
	keys := []string{"", "a", "test-1:user-1", "test-1:user-1:audience", "ünïcödé"}

	for _, k := range keys {
		first := bucket.Hash(k)
		for i := 0; i < 10; i++ {
			if got := bucket.Hash(k); got != first {
				t.Errorf("Hash(%q) = %f on call %d, want %f", k, got, i, first)
			}
		}
	}
}

func TestHash_Range(t *testing.T) {
	for i := 0; i < 50000; i++ {
		h := bucket.Hash(fmt.Sprintf("t:%d", i))
		if h < 0 || h >= 100 {
			t.Fatalf("Hash out of range: %f", h)
		}
	}
}

func TestHash_Uniform(t *testing.T) {
	const n = 100000
	var deciles [10]int
	for i := 0; i < n; i++ {
		h := bucket.Hash(bucket.AssignmentKey("exp", fmt.Sprintf("user-%d", i)))
		deciles[int(h/10)]++
	}

	for i, c := range deciles {
		share := float64(c) / n * 100
		if share < 9 || share > 11 {
			t.Errorf("decile %d holds %.2f%%, want ~10%%", i, share)
		}
	}
}

func TestKeys_Differ(t *testing.T) {
	a := bucket.AssignmentKey("t1", "u1")
	b := bucket.AudienceKey("t1", "u1")

	if a == b {
		t.Fatal("assignment and audience keys must differ")
	}
	if a != "t1:u1" {
		t.Errorf("got %s, want t1:u1", a)
	}
	if b != "t1:u1:audience" {
		t.Errorf("got %s, want t1:u1:audience", b)
	}
}
