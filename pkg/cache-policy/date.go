package cachepolicy

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"
)

// §  HTTP-date    = IMF-fixdate / obs-date
// §
// §  An example of the preferred format is
// §
// §    Sun, 06 Nov 1994 08:49:37 GMT    ; IMF-fixdate
// §
// §  Examples of the two obsolete formats are
// §
// §    Sunday, 06-Nov-94 08:49:37 GMT   ; obsolete RFC 850 format
// §    Sun Nov  6 08:49:37 1994         ; ANSI C's asctime() format
//
// ParseDate parses the value of a Date header field.
// All three HTTP-date formats are accepted, as well as the wider RFC 2822 date
// syntax (numeric zones, missing day name) that origins occasionally send.
func ParseDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("Empty date")
	}
	// unknown zone names would otherwise be read as a zero offset
	if zone := zoneName(dateStr); zone != "" && !utcZones[strings.ToUpper(zone)] {
		return time.Time{}, fmt.Errorf("Date %q is not in GMT time, but %s", dateStr, zone)
	}
	if date, err := imfDate(dateStr); err == nil {
		return date, nil
	}
	if date, err := obsDate(dateStr); err == nil {
		return date, nil
	}
	date, err := mail.ParseDate(dateStr)
	if err != nil {
		return date, fmt.Errorf("Could not parse date %q: %w", dateStr, err)
	}
	return date.UTC(), nil
}

var utcZones = map[string]bool{"GMT": true, "UTC": true, "UT": true}

// zoneName returns the trailing alphabetic zone of a date, ignoring
// RFC 2822 comments. It is empty for numeric zones and asctime dates.
func zoneName(dateStr string) string {
	fields := strings.Fields(dateStr)
	for len(fields) > 0 && strings.HasSuffix(fields[len(fields)-1], ")") {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	for _, r := range last {
		if !unicode.IsLetter(r) {
			return ""
		}
	}
	return last
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

func imfDate(dateStr string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, normalizeDateStr(dateStr))
	if err != nil {
		return date, err
	}
	if zone, _ := date.Zone(); zone != "GMT" && zone != "UTC" {
		return date, fmt.Errorf("Date %s is not in GMT time, but %s", date, zone)
	}
	return date.UTC(), nil
}

func obsDate(dateStr string) (time.Time, error) {
	str := normalizeDateStr(dateStr)
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date.UTC(), nil
	}
	date, err := time.Parse(time.ANSIC, dateStr)
	return date.UTC(), err
}

// §  HTTP-date is case sensitive.  Note that Section 4.2 of [CACHING]
// §  relaxes this for cache recipients.
func normalizeDateStr(dateStr string) string {
	// only the zone is upper-cased, Go layouts need "Nov" and not "NOV"
	if i := strings.LastIndexByte(dateStr, ' '); i >= 0 {
		return dateStr[:i+1] + strings.ToUpper(dateStr[i+1:])
	}
	return dateStr
}
