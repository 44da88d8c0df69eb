package units

import "testing"

func TestHumanSize(t *testing.T) {
	tests := []struct {
		size   int64
		human  string
		binary string
	}{
		{size: 0, human: "0B", binary: "0B"},
		{size: 999, human: "999B", binary: "999B"},
		{size: 1500, human: "1.5kB", binary: "1.46KiB"},
		{size: 3 * MiB, human: "3.15MB", binary: "3MiB"},
		{size: 2 * GB, human: "2GB", binary: "1.86GiB"},
	}
	for _, tt := range tests {
		if got := HumanSize(tt.size); got != tt.human {
			t.Errorf("HumanSize(%d) = %s, want %s", tt.size, got, tt.human)
		}
		if got := BinarySize(tt.size); got != tt.binary {
			t.Errorf("BinarySize(%d) = %s, want %s", tt.size, got, tt.binary)
		}
	}
}
