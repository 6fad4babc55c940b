package types

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// PostgreSQL's reference epoch for binary date/time/timestamp encoding;
// unused by the text-only codecs below but documented here since any
// future binary date codec needs it.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	dateLayout        = "2006-01-02"
	timeLayout        = "15:04:05.999999"
	timestampLayout   = "2006-01-02 15:04:05.999999"
	timestampTzLayout = "2006-01-02 15:04:05.999999Z07:00"
)

func registerDatetime(r *Registry) {
	r.RegisterDumper(reflect.TypeOf(time.Time{}), DumperFunc{Fn: dumpTimestampTz, OIDValue: OIDTimestampTz})
	r.RegisterLoader(OIDDate, LoaderFunc(loadDate))
	r.RegisterLoader(OIDTime, LoaderFunc(loadTime))
	r.RegisterLoader(OIDTimestamp, LoaderFunc(loadTimestamp))
	r.RegisterLoader(OIDTimestampTz, LoaderFunc(loadTimestampTz))
	r.RegisterLoader(OIDInterval, LoaderFunc(loadInterval))
}

// Interval is a Go representation of PostgreSQL's interval type: months
// and days are kept distinct from the sub-day duration because calendar
// arithmetic (a month is not a fixed number of seconds) cannot round-trip
// through time.Duration alone.
type Interval struct {
	Months int32
	Days   int32
	Micros int64
}

func dumpTimestampTz(v any, format Format) ([]byte, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, fmt.Errorf("types: dumpTimestampTz: not a time.Time: %T", v)
	}
	if format == FormatBinary {
		return nil, fmt.Errorf("types: binary timestamptz dumping not implemented, use text format")
	}
	return []byte(t.Format(timestampTzLayout)), nil
}

func loadDate(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	switch s {
	case "infinity":
		return time.Date(294276, 1, 1, 0, 0, 0, 0, time.UTC), nil
	case "-infinity":
		return time.Date(-4713, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse(dateLayout, s)
}

func loadTime(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	return time.Parse(timeLayout, string(data))
}

func loadTimestamp(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	switch s {
	case "infinity":
		return time.Date(294276, 1, 1, 0, 0, 0, 0, time.UTC), nil
	case "-infinity":
		return time.Date(-4713, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.ParseInLocation(timestampLayout, s, time.UTC)
}

func loadTimestampTz(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	switch s {
	case "infinity":
		return time.Date(294276, 1, 1, 0, 0, 0, 0, time.UTC), nil
	case "-infinity":
		return time.Date(-4713, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	// PostgreSQL renders the zone offset as "+00" rather than Go's "+00:00"
	// for whole-hour offsets; normalize before parsing.
	if i := strings.LastIndexAny(s, "+-"); i > 10 && !strings.Contains(s[i:], ":") {
		s += ":00"
	}
	return time.Parse(timestampTzLayout, s)
}

// loadInterval parses PostgreSQL's default IntervalStyle ("postgres")
// text output, e.g. "1 year 2 mons 3 days 04:05:06.7". Each component
// carries its own sign in this style (e.g. "-1 years +3 days -04:05:06"),
// so every field is parsed independently rather than negating the whole
// string on a single leading "-".
func loadInterval(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	iv := Interval{}
	s := strings.TrimSpace(string(data))
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.Contains(f, ":") {
			iv.Micros += parseClock(f)
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		var n int64
		fmt.Sscanf(f, "%d", &n)
		unit := strings.TrimSuffix(fields[i+1], "s")
		switch unit {
		case "year":
			iv.Months += int32(n) * 12
		case "mon":
			iv.Months += int32(n)
		case "day":
			iv.Days += int32(n)
		}
		i++
	}
	return iv, nil
}

func parseClock(s string) int64 {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var h, m int
	var sec float64
	fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec)
	micros := int64(h)*3600_000_000 + int64(m)*60_000_000 + int64(sec*1_000_000)
	if neg {
		micros = -micros
	}
	return micros
}
