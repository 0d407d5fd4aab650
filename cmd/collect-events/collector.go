package main

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	requestEventName   = "farmcorner.request"
	requestEventDomain = "farmcorner.api"

	attrRoute      = "http.route"
	attrStatusCode = "http.status_code"
	attrTotalMs    = "farmcorner.request.total_ms"
	attrErrorStage = "farmcorner.request.error_stage"
	attrCollection = "farmcorner.collection"
	attrRecords    = "farmcorner.records"
)

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func newNumericStats() *numericStats {
	return &numericStats{Min: math.MaxFloat64}
}

func (n *numericStats) add(v float64) {
	n.Count++
	n.Sum += v
	n.Min = math.Min(n.Min, v)
	n.Max = math.Max(n.Max, v)
}

func (n *numericStats) summary() numericSummary {
	if n == nil || n.Count == 0 {
		return numericSummary{}
	}
	return numericSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

type numericSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type routeSummary struct {
	Count   int            `json:"count"`
	TotalMs numericSummary `json:"total_ms"`
	Errors  int            `json:"errors"`
}

type summaryOutput struct {
	EventName    string                  `json:"event_name"`
	EventDomain  string                  `json:"event_domain"`
	TotalEvents  int                     `json:"total_events"`
	Severity     map[string]int          `json:"severity_counts"`
	Status       map[string]int          `json:"status_counts"`
	Routes       map[string]routeSummary `json:"routes"`
	Collections  map[string]int          `json:"collections,omitempty"`
	Records      numericSummary          `json:"records"`
	ErrorStages  map[string]int          `json:"error_stages,omitempty"`
	SkippedLines int                     `json:"skipped_lines"`
}

type routeStats struct {
	count  int
	total  *numericStats
	errors int
}

type collector struct {
	eventName   string
	eventDomain string

	count       int
	severity    map[string]int
	status      map[int]int
	routes      map[string]*routeStats
	collections map[string]int
	records     *numericStats
	errorStages map[string]int
	skipped     int
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    make(map[string]int),
		status:      make(map[int]int),
		routes:      make(map[string]*routeStats),
		collections: make(map[string]int),
		records:     newNumericStats(),
		errorStages: make(map[string]int),
	}
}

// ingest accepts raw JSON log lines, optionally prefixed by a
// "container |" tag as docker compose prints them.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName || (c.eventDomain != "" && rec.EventDomain != c.eventDomain) {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.severity[severity]++

	route, _ := asString(rec.Attributes[attrRoute])
	if route == "" {
		route = "unknown"
	}
	rs, ok := c.routes[route]
	if !ok {
		rs = &routeStats{total: newNumericStats()}
		c.routes[route] = rs
	}
	rs.count++
	if severity == "ERROR" {
		rs.errors++
	}

	if status, ok := asFloat(rec.Attributes[attrStatusCode]); ok {
		c.status[int(status)]++
	}
	if v, ok := asFloat(rec.Attributes[attrTotalMs]); ok {
		rs.total.add(v)
	}
	if key, ok := asString(rec.Attributes[attrCollection]); ok && key != "" {
		c.collections[key]++
	}
	if v, ok := asFloat(rec.Attributes[attrRecords]); ok {
		c.records.add(v)
	}
	if stage, ok := asString(rec.Attributes[attrErrorStage]); ok && stage != "" {
		c.errorStages[stage]++
	}
}

func (c *collector) summary() summaryOutput {
	status := make(map[string]int, len(c.status))
	for code, n := range c.status {
		status[strconv.Itoa(code)] = n
	}
	routes := make(map[string]routeSummary, len(c.routes))
	for route, rs := range c.routes {
		routes[route] = routeSummary{Count: rs.count, TotalMs: rs.total.summary(), Errors: rs.errors}
	}
	return summaryOutput{
		EventName:    c.eventName,
		EventDomain:  c.eventDomain,
		TotalEvents:  c.count,
		Severity:     c.severity,
		Status:       status,
		Routes:       routes,
		Collections:  nonEmpty(c.collections),
		Records:      c.records.summary(),
		ErrorStages:  nonEmpty(c.errorStages),
		SkippedLines: c.skipped,
	}
}

func (s summaryOutput) ShortString() string {
	return strings.Join([]string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"routes=" + strconv.Itoa(len(s.Routes)),
		"warn=" + strconv.Itoa(s.Severity["WARN"]),
		"error=" + strconv.Itoa(s.Severity["ERROR"]),
		"skipped=" + strconv.Itoa(s.SkippedLines),
	}, " ")
}

func nonEmpty(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	return in
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
