package enhancement

import (
	"fmt"
	"time"

	"github.com/elastalert-go/elastalert/internal/models"
)

// TimeZoneEnhancement reformats a configured timestamp field from UTC
// into a configured IANA zone, so delivered alerts show local time for
// whoever is on call.
type TimeZoneEnhancement struct {
	Field    string
	Location *time.Location
}

// NewTimeZoneEnhancement builds a TimeZoneEnhancement, satisfying
// Factory. options requires "field" and "timezone" (an IANA zone name).
func NewTimeZoneEnhancement(options map[string]any) (Enhancement, error) {
	field, ok := options["field"].(string)
	if !ok || field == "" {
		return nil, fmt.Errorf("timezone enhancement: field is required")
	}
	zone, ok := options["timezone"].(string)
	if !ok || zone == "" {
		return nil, fmt.Errorf("timezone enhancement: timezone is required")
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("timezone enhancement: %w", err)
	}
	return &TimeZoneEnhancement{Field: field, Location: loc}, nil
}

func (e *TimeZoneEnhancement) Process(match models.Match) error {
	raw, ok := match.StringField(e.Field)
	if !ok {
		return nil
	}

	var utcTime time.Time
	var err error
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999Z07:00",
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05Z",
	} {
		utcTime, err = time.Parse(layout, raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("timezone enhancement: %q is not a recognized timestamp: %w", raw, err)
	}

	match[e.Field] = utcTime.In(e.Location).Format("2006-01-02T15:04:05.000Z07:00")
	return nil
}
