package types

import (
	"testing"
	"time"
)

func TestTimestampTzRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	in := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	b, oid, err := tr.DumpParam(in, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDTimestampTz {
		t.Errorf("OID = %d, want %d", oid, OIDTimestampTz)
	}

	v, err := tr.LoadColumn(OIDTimestampTz, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got, ok := v.(time.Time)
	if !ok || !got.Equal(in) {
		t.Errorf("decoded = %v, want %v", v, in)
	}
}

func TestTimestampTzInfinity(t *testing.T) {
	v, err := loadTimestampTz([]byte("infinity"), FormatText)
	if err != nil {
		t.Fatalf("loadTimestampTz: %v", err)
	}
	if v.(time.Time).Year() != 294276 {
		t.Errorf("got %v, want far-future sentinel", v)
	}
	v, err = loadTimestampTz([]byte("-infinity"), FormatText)
	if err != nil {
		t.Fatalf("loadTimestampTz: %v", err)
	}
	if v.(time.Time).Year() != -4713 {
		t.Errorf("got %v, want far-past sentinel", v)
	}
}

func TestDateRoundTrip(t *testing.T) {
	v, err := loadDate([]byte("2024-03-15"), FormatText)
	if err != nil {
		t.Fatalf("loadDate: %v", err)
	}
	got := v.(time.Time)
	if got.Year() != 2024 || got.Month() != 3 || got.Day() != 15 {
		t.Errorf("decoded = %v", got)
	}
}

func TestIntervalParsing(t *testing.T) {
	cases := []struct {
		in   string
		want Interval
	}{
		{"1 year 2 mons 3 days 04:05:06", Interval{Months: 14, Days: 3, Micros: (4*3600 + 5*60 + 6) * 1_000_000}},
		{"-1 days", Interval{Days: -1}},
		{"00:00:01.5", Interval{Micros: 1_500_000}},
	}
	for _, c := range cases {
		v, err := loadInterval([]byte(c.in), FormatText)
		if err != nil {
			t.Fatalf("loadInterval(%q): %v", c.in, err)
		}
		got := v.(Interval)
		if got != c.want {
			t.Errorf("loadInterval(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	v, err := loadTime([]byte("04:05:06.7"), FormatText)
	if err != nil {
		t.Fatalf("loadTime: %v", err)
	}
	got := v.(time.Time)
	if got.Hour() != 4 || got.Minute() != 5 || got.Second() != 6 {
		t.Errorf("decoded = %v", got)
	}
}
