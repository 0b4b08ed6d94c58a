package citestream

import (
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// DateAsInteger packs a calendar date as YYYYMMDD, the form stored in the
// record date field and compared numerically by the filters.
func DateAsInteger(year, month, day int) uint32 {
	return uint32(year*10000 + month*100 + day)
}

// DateFromInteger unpacks a YYYYMMDD value. It rejects values that are not a
// real calendar date.
func DateFromInteger(v uint32) (time.Time, error) {
	year, month, day := int(v/10000), int(v/100%100), int(v%100)
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %d is not a YYYYMMDD date", apperrors.ErrInvalidInput, v)
	}
	return t, nil
}

// DateOf packs t in the same form as DateAsInteger.
func DateOf(t time.Time) uint32 {
	return DateAsInteger(t.Year(), int(t.Month()), t.Day())
}
