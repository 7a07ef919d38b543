package framework

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/aggregate"
	"github.com/nimbuslabs/pluvio/pkg/store"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// StoredEvent is one raw event as MemStore persisted it.
type StoredEvent struct {
	Event      types.Event
	ReceivedAt time.Time
}

type hourlyKey struct {
	hour    int64
	tool    string
	version string
}

type dailyKey struct {
	date    string
	tool    string
	version string
	country string
}

type errorKey struct {
	hour      int64
	tool      string
	errorType string
}

// MemStore is an in-memory stand-in for the Postgres store. It covers
// the write surface the worker uses, the status surface the API uses,
// and the read surface the stats handlers use, with the same merge and
// window semantics as the SQL. End-to-end tests drive the full pipeline
// through it without a database.
type MemStore struct {
	mu sync.Mutex

	events []StoredEvent
	hourly map[hourlyKey]*aggregate.HourlyRow
	daily  map[dailyKey]*aggregate.DailyRow
	errs   map[errorKey]*aggregate.ErrorRow

	writeErr error
	pingErr  error

	reads atomic.Int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		hourly: make(map[hourlyKey]*aggregate.HourlyRow),
		daily:  make(map[dailyKey]*aggregate.DailyRow),
		errs:   make(map[errorKey]*aggregate.ErrorRow),
	}
}

// FailWrites makes every write return err until called with nil. The
// worker reacts the way it would to a database outage: requeue and back
// off.
func (m *MemStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailPing makes health probes fail with err until called with nil.
func (m *MemStore) FailPing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// EventCount returns how many raw events have been persisted.
func (m *MemStore) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Events returns a copy of the persisted raw events in insert order.
func (m *MemStore) Events() []StoredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ReadCount returns how many aggregate reads have been served. The
// invalid-period tests assert it stays zero.
func (m *MemStore) ReadCount() int64 {
	return m.reads.Load()
}

func (m *MemStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *MemStore) InsertEvents(ctx context.Context, events []types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	now := time.Now().UTC()
	for _, e := range events {
		m.events = append(m.events, StoredEvent{Event: e, ReceivedAt: now})
	}
	return nil
}

func (m *MemStore) EventsSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.events {
		if !m.events[i].ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) LastEventAt(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	for i := range m.events {
		if m.events[i].ReceivedAt.After(last) {
			last = m.events[i].ReceivedAt
		}
	}
	return last, nil
}

func (m *MemStore) UpsertHourly(ctx context.Context, rows []aggregate.HourlyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for i := range rows {
		r := rows[i]
		k := hourlyKey{r.Hour.Unix(), r.Tool, r.Version}
		cur, ok := m.hourly[k]
		if !ok {
			c := r
			m.hourly[k] = &c
			continue
		}
		cur.TotalCalls += r.TotalCalls
		cur.SuccessCalls += r.SuccessCalls
		cur.ErrorCalls += r.ErrorCalls
		cur.ResponseSum += r.ResponseSum
		cur.ResponseCount += r.ResponseCount
		cur.P95 = maxFloat(cur.P95, r.P95)
		cur.CacheHits += r.CacheHits
		cur.CacheMisses += r.CacheMisses
	}
	return nil
}

func (m *MemStore) UpsertDaily(ctx context.Context, rows []aggregate.DailyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for i := range rows {
		r := rows[i]
		k := dailyKey{dateKey(r.Date), r.Tool, r.Version, r.Country}
		cur, ok := m.daily[k]
		if !ok {
			c := r
			m.daily[k] = &c
			continue
		}
		cur.TotalCalls += r.TotalCalls
		cur.SuccessCalls += r.SuccessCalls
		cur.ErrorCalls += r.ErrorCalls
		cur.ResponseSum += r.ResponseSum
		cur.ResponseCount += r.ResponseCount
		cur.P50 = maxFloat(cur.P50, r.P50)
		cur.P95 = maxFloat(cur.P95, r.P95)
		cur.P99 = maxFloat(cur.P99, r.P99)
		cur.MinResponseMs = minInt(cur.MinResponseMs, r.MinResponseMs)
		cur.MaxResponseMs = maxInt(cur.MaxResponseMs, r.MaxResponseMs)
		cur.CacheHits += r.CacheHits
		cur.CacheMisses += r.CacheMisses
		cur.NoaaCalls += r.NoaaCalls
		cur.OpenMeteoCalls += r.OpenMeteoCalls
		cur.TotalRetries += r.TotalRetries
	}
	return nil
}

func (m *MemStore) UpsertErrorSummaries(ctx context.Context, rows []aggregate.ErrorRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for i := range rows {
		r := rows[i]
		k := errorKey{r.Hour.Unix(), r.Tool, r.ErrorType}
		cur, ok := m.errs[k]
		if !ok {
			c := r
			c.Versions = append([]string(nil), r.Versions...)
			m.errs[k] = &c
			continue
		}
		cur.Count += r.Count
		if r.FirstSeen.Before(cur.FirstSeen) {
			cur.FirstSeen = r.FirstSeen
		}
		if r.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = r.LastSeen
		}
		cur.Versions = mergeSorted(cur.Versions, r.Versions)
	}
	return nil
}

// Reads below mirror the production SQL: hourly windows are half-open
// on hours, daily windows are closed on dates, stored averages
// recombine weighted by total_calls, and p95 across buckets is the
// bucket maximum.

func (m *MemStore) ReadOverview(ctx context.Context, g store.Granularity, from, to time.Time) (store.Overview, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	var o store.Overview
	var respSum, respCount, hits, misses int64
	m.eachWindow(g, from, to, func(h *aggregate.HourlyRow, d *aggregate.DailyRow) {
		if h != nil {
			o.TotalCalls += h.TotalCalls
			o.SuccessCalls += h.SuccessCalls
			o.ErrorCalls += h.ErrorCalls
			respSum += h.ResponseSum
			respCount += h.ResponseCount
			hits += h.CacheHits
			misses += h.CacheMisses
		} else {
			o.TotalCalls += d.TotalCalls
			o.SuccessCalls += d.SuccessCalls
			o.ErrorCalls += d.ErrorCalls
			respSum += d.ResponseSum
			respCount += d.ResponseCount
			hits += d.CacheHits
			misses += d.CacheMisses
		}
	})
	o.AvgResponseMs = ratio(respSum, respCount)
	o.CacheHitRate = ratio(hits, hits+misses)
	return o, nil
}

func (m *MemStore) ReadToolCalls(ctx context.Context, g store.Granularity, from, to time.Time) ([]store.ToolCalls, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make(map[string]int64)
	m.eachWindow(g, from, to, func(h *aggregate.HourlyRow, d *aggregate.DailyRow) {
		if h != nil {
			calls[h.Tool] += h.TotalCalls
		} else {
			calls[d.Tool] += d.TotalCalls
		}
	})

	out := make([]store.ToolCalls, 0, len(calls))
	for tool, n := range calls {
		out = append(out, store.ToolCalls{Tool: tool, Calls: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].Tool < out[j].Tool
	})
	return out, nil
}

func (m *MemStore) ReadToolStats(ctx context.Context, g store.Granularity, from, to time.Time) ([]store.ToolAgg, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	aggs := m.toolAggs(g, from, to, "")
	out := make([]store.ToolAgg, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCalls != out[j].TotalCalls {
			return out[i].TotalCalls > out[j].TotalCalls
		}
		return out[i].Tool < out[j].Tool
	})
	return out, nil
}

func (m *MemStore) ReadToolTotals(ctx context.Context, g store.Granularity, tool string, from, to time.Time) (store.ToolAgg, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	aggs := m.toolAggs(g, from, to, tool)
	if a, ok := aggs[tool]; ok {
		return *a, nil
	}
	return store.ToolAgg{Tool: tool}, nil
}

func (m *MemStore) ReadTimeline(ctx context.Context, g store.Granularity, tool string, from, to time.Time) ([]store.TimelineBucket, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		bucket    time.Time
		total     int64
		success   int64
		errors    int64
		respSum   int64
		respCount int64
	}
	buckets := make(map[int64]*acc)
	m.eachWindow(g, from, to, func(h *aggregate.HourlyRow, d *aggregate.DailyRow) {
		var bucket time.Time
		var total, success, errs, respSum, respCount int64
		if h != nil {
			if h.Tool != tool {
				return
			}
			bucket = h.Hour
			total, success, errs = h.TotalCalls, h.SuccessCalls, h.ErrorCalls
			respSum, respCount = h.ResponseSum, h.ResponseCount
		} else {
			if d.Tool != tool {
				return
			}
			bucket = d.Date
			total, success, errs = d.TotalCalls, d.SuccessCalls, d.ErrorCalls
			respSum, respCount = d.ResponseSum, d.ResponseCount
		}
		a, ok := buckets[bucket.Unix()]
		if !ok {
			a = &acc{bucket: bucket}
			buckets[bucket.Unix()] = a
		}
		a.total += total
		a.success += success
		a.errors += errs
		a.respSum += respSum
		a.respCount += respCount
	})

	out := make([]store.TimelineBucket, 0, len(buckets))
	for _, a := range buckets {
		out = append(out, store.TimelineBucket{
			Bucket:        a.bucket,
			TotalCalls:    a.total,
			SuccessCalls:  a.success,
			ErrorCalls:    a.errors,
			AvgResponseMs: ratio(a.respSum, a.respCount),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (m *MemStore) ReadErrorBreakdown(ctx context.Context, tool string, from, to time.Time) ([]store.ErrorTypeCount, error) {
	m.reads.Add(1)
	return m.errorCounts(from, to, tool, 0), nil
}

func (m *MemStore) ReadTopErrors(ctx context.Context, from, to time.Time, limit int) ([]store.ErrorTypeCount, error) {
	m.reads.Add(1)
	return m.errorCounts(from, to, "", limit), nil
}

func (m *MemStore) ReadErrorStats(ctx context.Context, from, to time.Time) ([]store.ErrorAgg, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		count    int64
		lastSeen time.Time
		tools    map[string]struct{}
	}
	byType := make(map[string]*acc)
	for k, r := range m.errs {
		if !inHourWindow(time.Unix(k.hour, 0).UTC(), from, to) {
			continue
		}
		a, ok := byType[r.ErrorType]
		if !ok {
			a = &acc{tools: make(map[string]struct{})}
			byType[r.ErrorType] = a
		}
		a.count += r.Count
		if r.LastSeen.After(a.lastSeen) {
			a.lastSeen = r.LastSeen
		}
		a.tools[r.Tool] = struct{}{}
	}

	out := make([]store.ErrorAgg, 0, len(byType))
	for typ, a := range byType {
		tools := make([]string, 0, len(a.tools))
		for t := range a.tools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		out = append(out, store.ErrorAgg{
			ErrorType:     typ,
			Count:         a.count,
			LastSeen:      a.lastSeen.UTC(),
			AffectedTools: tools,
		})
	}
	sortErrorAggs(out)
	return out, nil
}

func (m *MemStore) ReadPerformance(ctx context.Context, from, to time.Time) ([]store.PerformanceAgg, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		p50Sum, p95Sum, p99Sum float64
		p50W, p95W, p99W       int64
		hits, misses           int64
	}
	byTool := make(map[string]*acc)
	for _, r := range m.daily {
		if !inDateWindow(r.Date, from, to) {
			continue
		}
		a, ok := byTool[r.Tool]
		if !ok {
			a = &acc{}
			byTool[r.Tool] = a
		}
		if r.P50 != nil {
			a.p50Sum += *r.P50 * float64(r.TotalCalls)
			a.p50W += r.TotalCalls
		}
		if r.P95 != nil {
			a.p95Sum += *r.P95 * float64(r.TotalCalls)
			a.p95W += r.TotalCalls
		}
		if r.P99 != nil {
			a.p99Sum += *r.P99 * float64(r.TotalCalls)
			a.p99W += r.TotalCalls
		}
		a.hits += r.CacheHits
		a.misses += r.CacheMisses
	}

	out := make([]store.PerformanceAgg, 0, len(byTool))
	for tool, a := range byTool {
		out = append(out, store.PerformanceAgg{
			Tool:          tool,
			P50ResponseMs: weighted(a.p50Sum, a.p50W),
			P95ResponseMs: weighted(a.p95Sum, a.p95W),
			P99ResponseMs: weighted(a.p99Sum, a.p99W),
			CacheHitRate:  ratio(a.hits, a.hits+a.misses),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out, nil
}

// eachWindow visits hourly rows (h set, d nil) or daily rows (d set,
// h nil) inside the window, depending on granularity.
func (m *MemStore) eachWindow(g store.Granularity, from, to time.Time, fn func(h *aggregate.HourlyRow, d *aggregate.DailyRow)) {
	if g == store.Daily {
		for _, r := range m.daily {
			if inDateWindow(r.Date, from, to) {
				fn(nil, r)
			}
		}
		return
	}
	for _, r := range m.hourly {
		if inHourWindow(r.Hour, from, to) {
			fn(r, nil)
		}
	}
}

func (m *MemStore) toolAggs(g store.Granularity, from, to time.Time, only string) map[string]*store.ToolAgg {
	type acc struct {
		agg       store.ToolAgg
		respSum   int64
		respCount int64
	}
	byTool := make(map[string]*acc)
	m.eachWindow(g, from, to, func(h *aggregate.HourlyRow, d *aggregate.DailyRow) {
		var tool string
		var total, success, errs, respSum, respCount int64
		var p95 *float64
		if h != nil {
			tool, total, success, errs = h.Tool, h.TotalCalls, h.SuccessCalls, h.ErrorCalls
			respSum, respCount, p95 = h.ResponseSum, h.ResponseCount, h.P95
		} else {
			tool, total, success, errs = d.Tool, d.TotalCalls, d.SuccessCalls, d.ErrorCalls
			respSum, respCount, p95 = d.ResponseSum, d.ResponseCount, d.P95
		}
		if only != "" && tool != only {
			return
		}
		a, ok := byTool[tool]
		if !ok {
			a = &acc{agg: store.ToolAgg{Tool: tool}}
			byTool[tool] = a
		}
		a.agg.TotalCalls += total
		a.agg.SuccessCalls += success
		a.agg.ErrorCalls += errs
		a.respSum += respSum
		a.respCount += respCount
		if p95 != nil && (!a.agg.P95ResponseMs.Valid || *p95 > a.agg.P95ResponseMs.Float64) {
			a.agg.P95ResponseMs = sql.NullFloat64{Float64: *p95, Valid: true}
		}
	})

	out := make(map[string]*store.ToolAgg, len(byTool))
	for tool, a := range byTool {
		a.agg.AvgResponseMs = ratio(a.respSum, a.respCount)
		agg := a.agg
		out[tool] = &agg
	}
	return out
}

func (m *MemStore) errorCounts(from, to time.Time, tool string, limit int) []store.ErrorTypeCount {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64)
	for k, r := range m.errs {
		if tool != "" && k.tool != tool {
			continue
		}
		if !inHourWindow(time.Unix(k.hour, 0).UTC(), from, to) {
			continue
		}
		counts[r.ErrorType] += r.Count
	}

	out := make([]store.ErrorTypeCount, 0, len(counts))
	for typ, n := range counts {
		out = append(out, store.ErrorTypeCount{ErrorType: typ, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func inHourWindow(hour, from, to time.Time) bool {
	return !hour.Before(from) && hour.Before(to)
}

func inDateWindow(date, from, to time.Time) bool {
	d := dateKey(date)
	return d >= dateKey(from) && d <= dateKey(to)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func sortErrorAggs(aggs []store.ErrorAgg) {
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Count != aggs[j].Count {
			return aggs[i].Count > aggs[j].Count
		}
		return aggs[i].ErrorType < aggs[j].ErrorType
	})
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func ratio(num, den int64) sql.NullFloat64 {
	if den == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(num) / float64(den), Valid: true}
}

func weighted(sum float64, weight int64) sql.NullFloat64 {
	if weight == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: sum / float64(weight), Valid: true}
}

func maxFloat(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}

func minInt(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil || *a <= *b {
		return a
	}
	return b
}

func maxInt(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}
