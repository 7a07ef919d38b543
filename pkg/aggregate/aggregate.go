package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

// HourlyRow is one hourly group of a processed batch, keyed by
// (hour, tool, version). Alongside the computed metrics it carries the
// raw sums the store's UPSERT merge needs: an average cannot be merged
// into an existing row without knowing how many samples produced it.
type HourlyRow struct {
	Hour    time.Time
	Tool    string
	Version string

	TotalCalls   int64
	SuccessCalls int64
	ErrorCalls   int64

	// ResponseSum and ResponseCount cover only events that carried
	// response_time_ms.
	ResponseSum   int64
	ResponseCount int64
	P95           *float64

	CacheHits   int64
	CacheMisses int64
}

// AvgResponseMs returns the batch mean response time, nil when no event
// in the group carried one.
func (r *HourlyRow) AvgResponseMs() *float64 {
	if r.ResponseCount == 0 {
		return nil
	}
	v := float64(r.ResponseSum) / float64(r.ResponseCount)
	return &v
}

// CacheHitRate returns hits/(hits+misses), nil when the group carried
// no cache signals.
func (r *HourlyRow) CacheHitRate() *float64 {
	return rate(r.CacheHits, r.CacheHits+r.CacheMisses)
}

// DailyRow is one daily group of a processed batch, keyed by
// (date, tool, version, country). Country is "" when unknown.
type DailyRow struct {
	Date    time.Time
	Tool    string
	Version string
	Country string

	TotalCalls   int64
	SuccessCalls int64
	ErrorCalls   int64

	ResponseSum   int64
	ResponseCount int64
	P50           *float64
	P95           *float64
	P99           *float64
	MinResponseMs *int
	MaxResponseMs *int

	CacheHits   int64
	CacheMisses int64

	// Per-service counts are primary data, never derived from rates.
	NoaaCalls      int64
	OpenMeteoCalls int64

	TotalRetries int64
}

// AvgResponseMs returns the batch mean response time, nil when no
// samples exist.
func (r *DailyRow) AvgResponseMs() *float64 {
	if r.ResponseCount == 0 {
		return nil
	}
	v := float64(r.ResponseSum) / float64(r.ResponseCount)
	return &v
}

// CacheHitRate returns hits/(hits+misses), nil when the group carried
// no cache signals.
func (r *DailyRow) CacheHitRate() *float64 {
	return rate(r.CacheHits, r.CacheHits+r.CacheMisses)
}

// AvgRetry returns total retries over total calls, nil when the group
// is empty. The same formula is recomputed post-merge in SQL so the
// stored value stays derivable from stored columns.
func (r *DailyRow) AvgRetry() *float64 {
	return rate(r.TotalRetries, r.TotalCalls)
}

// ErrorRow is one error-summary group of a processed batch, keyed by
// (hour, tool, error_type). Only error events that carry a type
// contribute. FirstSeen and LastSeen are the worker's processing time;
// the UPSERT keeps the minimum and maximum across batches.
type ErrorRow struct {
	Hour      time.Time
	Tool      string
	ErrorType string

	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time

	// Versions is sorted and deduplicated.
	Versions []string
}

// Rows is the full aggregation output for one batch, each slice in
// lexicographic key order so concurrent workers upsert rows in the same
// order and cannot deadlock each other.
type Rows struct {
	Hourly []HourlyRow
	Daily  []DailyRow
	Errors []ErrorRow
}

// Empty reports whether the batch produced no rows at all.
func (r Rows) Empty() bool {
	return len(r.Hourly) == 0 && len(r.Daily) == 0 && len(r.Errors) == 0
}

type hourlyKey struct {
	hour    int64
	tool    string
	version string
}

type dailyKey struct {
	date    int64
	tool    string
	version string
	country string
}

type errorKey struct {
	hour      int64
	tool      string
	errorType string
}

// Build groups a batch of validated events into hourly, daily, and
// error-summary rows. Pure: no I/O, no clock reads; seenAt stamps the
// error rows' first/last seen.
func Build(events []types.Event, seenAt time.Time) Rows {
	hourly := make(map[hourlyKey]*HourlyRow)
	hourlySamples := make(map[hourlyKey][]float64)
	daily := make(map[dailyKey]*DailyRow)
	dailySamples := make(map[dailyKey][]float64)
	errs := make(map[errorKey]*ErrorRow)
	errVersions := make(map[errorKey]map[string]struct{})

	for i := range events {
		e := &events[i]
		hour := e.TimestampHour.UTC()
		date := hour.Truncate(24 * time.Hour)

		hk := hourlyKey{hour.Unix(), e.Tool, e.Version}
		hr := hourly[hk]
		if hr == nil {
			hr = &HourlyRow{Hour: hour, Tool: e.Tool, Version: e.Version}
			hourly[hk] = hr
		}

		dk := dailyKey{date.Unix(), e.Tool, e.Version, e.CountryOrEmpty()}
		dr := daily[dk]
		if dr == nil {
			dr = &DailyRow{Date: date, Tool: e.Tool, Version: e.Version, Country: e.CountryOrEmpty()}
			daily[dk] = dr
		}

		hr.TotalCalls++
		dr.TotalCalls++
		if e.Status == types.StatusSuccess {
			hr.SuccessCalls++
			dr.SuccessCalls++
		} else {
			hr.ErrorCalls++
			dr.ErrorCalls++
		}

		if e.ResponseTimeMs != nil {
			ms := *e.ResponseTimeMs
			hr.ResponseSum += int64(ms)
			hr.ResponseCount++
			dr.ResponseSum += int64(ms)
			dr.ResponseCount++
			hourlySamples[hk] = append(hourlySamples[hk], float64(ms))
			dailySamples[dk] = append(dailySamples[dk], float64(ms))

			if dr.MinResponseMs == nil || ms < *dr.MinResponseMs {
				v := ms
				dr.MinResponseMs = &v
			}
			if dr.MaxResponseMs == nil || ms > *dr.MaxResponseMs {
				v := ms
				dr.MaxResponseMs = &v
			}
		}

		if e.CacheHit != nil {
			if *e.CacheHit {
				hr.CacheHits++
				dr.CacheHits++
			} else {
				hr.CacheMisses++
				dr.CacheMisses++
			}
		}

		if e.Service != nil {
			switch *e.Service {
			case types.ServiceNOAA:
				dr.NoaaCalls++
			case types.ServiceOpenMeteo:
				dr.OpenMeteoCalls++
			}
		}

		if e.RetryCount != nil {
			dr.TotalRetries += int64(*e.RetryCount)
		}

		if e.Status == types.StatusError && e.ErrorType != nil && *e.ErrorType != "" {
			ek := errorKey{hour.Unix(), e.Tool, *e.ErrorType}
			er := errs[ek]
			if er == nil {
				er = &ErrorRow{
					Hour: hour, Tool: e.Tool, ErrorType: *e.ErrorType,
					FirstSeen: seenAt, LastSeen: seenAt,
				}
				errs[ek] = er
				errVersions[ek] = make(map[string]struct{})
			}
			er.Count++
			errVersions[ek][e.Version] = struct{}{}
		}
	}

	out := Rows{
		Hourly: make([]HourlyRow, 0, len(hourly)),
		Daily:  make([]DailyRow, 0, len(daily)),
		Errors: make([]ErrorRow, 0, len(errs)),
	}

	for k, row := range hourly {
		if s := hourlySamples[k]; len(s) > 0 {
			sort.Float64s(s)
			p := percentile(s, 95)
			row.P95 = &p
		}
		out.Hourly = append(out.Hourly, *row)
	}
	for k, row := range daily {
		if s := dailySamples[k]; len(s) > 0 {
			sort.Float64s(s)
			p50, p95, p99 := percentile(s, 50), percentile(s, 95), percentile(s, 99)
			row.P50, row.P95, row.P99 = &p50, &p95, &p99
		}
		out.Daily = append(out.Daily, *row)
	}
	for k, row := range errs {
		versions := make([]string, 0, len(errVersions[k]))
		for v := range errVersions[k] {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		row.Versions = versions
		out.Errors = append(out.Errors, *row)
	}

	sort.Slice(out.Hourly, func(i, j int) bool {
		a, b := &out.Hourly[i], &out.Hourly[j]
		if !a.Hour.Equal(b.Hour) {
			return a.Hour.Before(b.Hour)
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		return a.Version < b.Version
	})
	sort.Slice(out.Daily, func(i, j int) bool {
		a, b := &out.Daily[i], &out.Daily[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Country < b.Country
	})
	sort.Slice(out.Errors, func(i, j int) bool {
		a, b := &out.Errors[i], &out.Errors[j]
		if !a.Hour.Equal(b.Hour) {
			return a.Hour.Before(b.Hour)
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		return a.ErrorType < b.ErrorType
	})

	return out
}

// percentile returns the pth percentile of an ascending-sorted slice
// using linear interpolation between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// rate returns num/den as a pointer, nil when den is zero.
func rate(num, den int64) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}
