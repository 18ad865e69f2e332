package types

import "testing"

func TestEpochCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Epoch
		want int
	}{
		{"equal", NewEpoch(1, 2), NewEpoch(1, 2), 0},
		{"data loss wins", NewEpoch(2, 0), NewEpoch(1, 9), 1},
		{"configuration breaks tie", NewEpoch(1, 1), NewEpoch(1, 3), -1},
		{"invalid precedes zero", InvalidEpoch, ZeroEpoch, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestEpochString(t *testing.T) {
	if got := NewEpoch(3, 7).String(); got != "(3,7)" {
		t.Errorf("String() = %q, want (3,7)", got)
	}
	if !InvalidEpoch.IsInvalid() {
		t.Error("InvalidEpoch should report invalid")
	}
	if ZeroEpoch.IsInvalid() {
		t.Error("ZeroEpoch should not report invalid")
	}
}

func TestMinLSN(t *testing.T) {
	if MinLSN(5, 3) != 3 || MinLSN(3, 5) != 3 {
		t.Error("MinLSN should return the smaller LSN")
	}
}
