package bus

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Record is the full state of one bus as stored and broadcast.
type Record struct {
	ID             string  `json:"id"`
	DriverName     string  `json:"driverName"`
	BusNumberPlate string  `json:"busNumberPlate"`
	InchargeName   string  `json:"inchargeName"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	ArrivalTime    int     `json:"arrivalTime"` // seconds, advisory
}

// Validate checks the fields every mutation must carry. Coordinates are not
// bounds-checked, they only have to be real numbers.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(r.DriverName) == "" {
		return &ValidationError{Field: "driverName", Reason: "required"}
	}
	if strings.TrimSpace(r.InchargeName) == "" {
		return &ValidationError{Field: "inchargeName", Reason: "required"}
	}
	if math.IsNaN(r.Lat) || math.IsInf(r.Lat, 0) {
		return &ValidationError{Field: "lat", Reason: "not a finite number"}
	}
	if math.IsNaN(r.Lng) || math.IsInf(r.Lng, 0) {
		return &ValidationError{Field: "lng", Reason: "not a finite number"}
	}
	return nil
}

// wireRecord mirrors Record with pointers so absent fields can be told apart
// from zero values.
type wireRecord struct {
	ID             json.RawMessage `json:"id"`
	DriverName     *string         `json:"driverName"`
	BusNumberPlate *string         `json:"busNumberPlate"`
	InchargeName   *string         `json:"inchargeName"`
	Lat            *float64        `json:"lat"`
	Lng            *float64        `json:"lng"`
	ArrivalTime    *float64        `json:"arrivalTime"`
}

// Decode parses a submitted record and rejects it when a required field is
// missing. The id may be a JSON string or number.
func Decode(data []byte) (Record, error) {
	return decode(data, "")
}

// DecodeFor is Decode for a record addressed by id from outside the body;
// any id in the body is ignored.
func DecodeFor(id string, data []byte) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, &ValidationError{Field: "id", Reason: "required"}
	}
	return decode(data, id)
}

func decode(data []byte, id string) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, &ValidationError{Field: "record", Reason: "malformed json: " + err.Error()}
	}

	if id == "" {
		var err error
		if id, err = DecodeID(w.ID); err != nil {
			return Record{}, err
		}
	}
	if w.Lat == nil {
		return Record{}, &ValidationError{Field: "lat", Reason: "required"}
	}
	if w.Lng == nil {
		return Record{}, &ValidationError{Field: "lng", Reason: "required"}
	}

	rec := Record{
		ID:  id,
		Lat: *w.Lat,
		Lng: *w.Lng,
	}
	if w.DriverName != nil {
		rec.DriverName = *w.DriverName
	}
	if w.BusNumberPlate != nil {
		rec.BusNumberPlate = *w.BusNumberPlate
	}
	if w.InchargeName != nil {
		rec.InchargeName = *w.InchargeName
	}
	if w.ArrivalTime != nil {
		n, ok := wholeNumber(*w.ArrivalTime)
		if !ok {
			return Record{}, &ValidationError{Field: "arrivalTime", Reason: "must be a whole number of seconds"}
		}
		rec.ArrivalTime = int(n)
	}
	return rec, rec.Validate()
}

// DecodeID accepts `"driver"` as well as `42` and returns the id as a string.
func DecodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", &ValidationError{Field: "id", Reason: "required"}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", &ValidationError{Field: "id", Reason: "required"}
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", &ValidationError{Field: "id", Reason: "must be a string or number"}
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	// 1.0 and 1e2 name the same bus as 1 and 100.
	f, err := n.Float64()
	if err != nil {
		return "", &ValidationError{Field: "id", Reason: "numeric id out of range"}
	}
	i, ok := wholeNumber(f)
	if !ok {
		return "", &ValidationError{Field: "id", Reason: "numeric id must be an integer"}
	}
	return strconv.FormatInt(i, 10), nil
}

// maxExact is the largest magnitude below which every integer is exactly
// representable as a float64.
const maxExact = 1 << 53

func wholeNumber(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.Abs(f) > maxExact {
		return 0, false
	}
	return int64(f), true
}
