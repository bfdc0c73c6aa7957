package flag_test

import (
	"testing"

	"github.com/govmkit/archvm/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		s    string
		unit string
		amt  int
		err  bool
	}{
		{name: "badsuffix", s: "1T", amt: -1, err: true},
		{name: "1G", s: "1G", amt: 1 << 30},
		{name: "1g", s: "1g", amt: 1 << 30},
		{name: "1M", s: "1M", amt: 1 << 20},
		{name: "1m", s: "1m", amt: 1 << 20},
		{name: "1K", s: "1K", amt: 1 << 10},
		{name: "1k", s: "1k", amt: 1 << 10},
		{name: "defaultG", s: "1", unit: "g", amt: 1 << 30},
		{name: "hex", s: "0x10", amt: 16},
		{name: "empty", s: "", amt: -1, err: true},
		{name: "onlysuffix", s: "g", amt: -1, err: true},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			amt, err := flag.ParseSize(tt.s, tt.unit)
			if (err != nil) != tt.err {
				t.Fatalf("ParseSize(%q, %q): err %v, want err %v", tt.s, tt.unit, err, tt.err)
			}

			if amt != tt.amt {
				t.Fatalf("ParseSize(%q, %q) = %d, want %d", tt.s, tt.unit, amt, tt.amt)
			}
		})
	}
}
