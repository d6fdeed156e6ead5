package interval

import (
	"reflect"
	"testing"
)

func TestSetAdd(t *testing.T) {
	tests := []struct {
		name  string
		adds  []Range
		want  []Range
	}{
		{
			name: "disjoint ranges stay separate",
			adds: []Range{{0, 10}, {20, 30}},
			want: []Range{{0, 10}, {20, 30}},
		},
		{
			name: "overlapping ranges merge",
			adds: []Range{{0, 10}, {5, 15}},
			want: []Range{{0, 15}},
		},
		{
			name: "touching ranges merge",
			adds: []Range{{0, 10}, {10, 20}},
			want: []Range{{0, 20}},
		},
		{
			name: "out of order inserts still coalesce",
			adds: []Range{{20, 30}, {0, 10}, {10, 20}},
			want: []Range{{0, 30}},
		},
		{
			name: "range bridges two existing gaps",
			adds: []Range{{0, 5}, {15, 20}, {4, 16}},
			want: []Range{{0, 20}},
		},
		{
			name: "invalid range ignored",
			adds: []Range{{10, 10}, {20, 15}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(tt.adds...)
			got := s.Ranges()
			if len(got) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ranges() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetContains(t *testing.T) {
	s := NewSet(Range{0, 10}, Range{20, 30})

	if !s.Contains(2, 8) {
		t.Error("expected [2,8) to be contained in [0,10)")
	}
	if s.Contains(5, 25) {
		t.Error("did not expect [5,25) to be contained across a gap")
	}
	if !s.Contains(5, 5) {
		t.Error("empty range should always be contained")
	}
}

func TestSetLen(t *testing.T) {
	s := NewSet(Range{0, 10}, Range{20, 35})
	if got := s.Len(); got != 25 {
		t.Errorf("Len() = %d, want 25", got)
	}
}

func TestSetComplement(t *testing.T) {
	s := NewSet(Range{10, 20}, Range{30, 40})

	got := s.Complement(50)
	want := []Range{{0, 10}, {20, 30}, {40, 50}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Complement(50) = %v, want %v", got, want)
	}

	empty := &Set{}
	got = empty.Complement(100)
	want = []Range{{0, 100}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Complement on empty set = %v, want %v", got, want)
	}

	full := NewSet(Range{0, 100})
	if got := full.Complement(100); got != nil {
		t.Errorf("Complement on fully covered set = %v, want nil", got)
	}
}
