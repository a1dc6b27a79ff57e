package geo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// EarthRadius is the mean Earth radius in meters used by the Haversine formula.
const EarthRadius = 6371000

// Degrees is a decimal-degree coordinate that tolerates sloppy wire formats:
// it unmarshals from a JSON number or a numeric string (several host-app
// endpoints serialize coordinates as strings). Anything non-numeric coerces
// to NaN instead of failing; distance math then yields +Inf.
type Degrees float64

func (d *Degrees) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*d = Degrees(math.NaN())
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*d = Degrees(math.NaN())
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			*d = Degrees(math.NaN())
			return nil
		}
		*d = Degrees(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*d = Degrees(math.NaN())
		return nil
	}
	*d = Degrees(f)
	return nil
}

// MarshalJSON emits a 6-decimal-place numeric string, matching how the
// host app has always serialized coordinates on the wire. UnmarshalJSON
// accepts both forms, so round-trips are lossless either way.
func (d Degrees) MarshalJSON() ([]byte, error) {
	f := float64(d)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(strconv.FormatFloat(f, 'f', 6, 64))
}

func (d Degrees) Float() float64 { return float64(d) }

func (d Degrees) IsValid() bool {
	f := float64(d)
	return !(math.IsNaN(f) || math.IsInf(f, 0))
}

// Sample is one geolocation fix. It lives for a single verification
// attempt and is never persisted client-side.
type Sample struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64 // meters
	CapturedAt time.Time
}

// DistanceMeters computes the great-circle distance between two points
// using the Haversine formula. Returns +Inf if any input is not finite,
// which callers treat as "outside any plausible radius".
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if !finite(lat1) || !finite(lon1) || !finite(lat2) || !finite(lon2) {
		return math.Inf(1)
	}

	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

func finite(f float64) bool {
	return !(math.IsNaN(f) || math.IsInf(f, 0))
}
