package market

import "time"

// Quote is a single price update for a ticker. Timestamps are naive UTC:
// normalized with UTCNaive at the ingestion boundary, never timezone-aware.
type Quote struct {
	Ticker string
	Price  float64
	Volume int64
	Time   time.Time
}

// UTCNaive normalizes a broker timestamp to UTC with sub-second precision
// dropped. All core timestamps pass through this on ingestion; conversion to
// a display timezone belongs to presentation layers only.
func UTCNaive(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// MinuteStart truncates a timestamp to the start of its minute bar.
func MinuteStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
