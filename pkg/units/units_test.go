package units

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"512", 512},
		{"512B", 512},
		{"1KiB", 1024},
		{"64MiB", 64 * 1024 * 1024},
		{"2GiB", 2 * 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		{"10MB", 10 * 1000 * 1000},
		{"3GB", 3 * 1000 * 1000 * 1000},
		{" 16 MiB ", 16 * 1024 * 1024},
	}

	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "MiB", "12.5MiB", "-1KiB", "12x"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestRoundUp(t *testing.T) {
	cases := []struct {
		n, boundary, want int64
	}{
		{0, 512, 0},
		{1, 512, 512},
		{512, 512, 512},
		{513, 512, 1024},
		{MiB - 1, MiB, MiB},
		{MiB, MiB, MiB},
		{MiB + 1, MiB, 2 * MiB},
		{100, 0, 100},
	}

	for _, c := range cases {
		if got := RoundUp(c.n, c.boundary); got != c.want {
			t.Errorf("RoundUp(%d, %d) = %d, want %d", c.n, c.boundary, got, c.want)
		}
	}
}

func TestAligned(t *testing.T) {
	if !Aligned(2*MiB, MiB) {
		t.Error("2MiB should be MiB aligned")
	}
	if Aligned(MiB+512, MiB) {
		t.Error("MiB+512 should not be MiB aligned")
	}
	if Aligned(0, 0) {
		t.Error("zero boundary is never aligned")
	}
}
