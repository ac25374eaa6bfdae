package gap

import (
	"reflect"
	"testing"

	"odooetl/pkg/records"
)

func TestMissingPairs(t *testing.T) {
	t.Parallel()

	existing := PairSet[int, int]{}
	existing.Add(1, 10)

	got := MissingPairs([]int{1, 2}, []int{10, 20}, existing)
	want := []Pair[int, int]{{1, 20}, {2, 10}, {2, 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MissingPairs = %v; want %v", got, want)
	}
}

func TestMissingPairs_Edges(t *testing.T) {
	t.Parallel()

	if got := MissingPairs([]int{}, []int{1}, nil); len(got) != 0 {
		t.Fatalf("empty as: %v", got)
	}
	full := PairSet[string, int]{}
	full.Add("a", 1)
	if got := MissingPairs([]string{"a", "a"}, []int{1}, full); len(got) != 0 {
		t.Fatalf("fully covered: %v", got)
	}
	got := MissingPairs([]string{"a", "a"}, []int{1, 1, 2}, nil)
	if len(got) != 2 {
		t.Fatalf("duplicates not collapsed: %v", got)
	}
}

func TestZeroFacts(t *testing.T) {
	t.Parallel()

	recs := ZeroFacts([]Pair[int64, int64]{{5, 7}}, Facts{
		AColumn: "product_id",
		BColumn: "location_id",
		Zero:    records.Record{"quantity": 0},
	})
	want := []records.Record{{"product_id": int64(5), "location_id": int64(7), "quantity": 0}}
	if !reflect.DeepEqual(recs, want) {
		t.Fatalf("ZeroFacts = %v; want %v", recs, want)
	}
}
