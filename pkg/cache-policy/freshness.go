package cachepolicy

import (
	"net/http"
	"time"
)

// Verdict is the outcome of a freshness evaluation.
type Verdict int

const (
	// Unevaluable means the age or the freshness lifetime of the stored
	// response cannot be determined.
	Unevaluable Verdict = iota
	// Fresh means the age of the stored response is within max-age.
	Fresh
	// Stale means the stored response is older than max-age.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unevaluable"
	}
}

// Freshness is the result of Evaluate.
// Age and MaxAge are whole seconds and only meaningful when Reason is empty.
type Freshness struct {
	Verdict Verdict
	Age     int64
	MaxAge  int64
	// Reason explains an Unevaluable verdict.
	Reason string
}

// Evaluate decides whether a stored response with the given header fields is
// still usable at the given time.
//
// The freshness lifetime comes from the max-age directive only, and the age is
// the difference between now and the Date field, truncated to whole seconds.
// Responses without either cannot be evaluated; this is never treated as fresh.
func Evaluate(header http.Header, now time.Time) Freshness {
	values := header.Values("Cache-Control")
	if len(values) == 0 {
		return Freshness{Verdict: Unevaluable, Reason: "no Cache-Control field"}
	}
	maxAge, ok := ParseCacheControl(values).MaxAge()
	if !ok {
		return Freshness{Verdict: Unevaluable, Reason: "no max-age directive"}
	}
	dateStr := header.Get("Date")
	if dateStr == "" {
		return Freshness{Verdict: Unevaluable, MaxAge: maxAge, Reason: "no Date field"}
	}
	date, err := ParseDate(dateStr)
	if err != nil {
		return Freshness{Verdict: Unevaluable, MaxAge: maxAge, Reason: err.Error()}
	}

	age := int64(now.UTC().Sub(date) / time.Second)
	f := Freshness{Verdict: Fresh, Age: age, MaxAge: maxAge}
	if age > maxAge {
		f.Verdict = Stale
	}
	return f
}
