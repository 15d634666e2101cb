package k1

import (
	"fmt"
	"strconv"
	"strings"
)

// Response is a shape the matcher watches the receive buffer for.
type Response interface {
	// Grammar returns the complete and partial patterns of the response.
	Grammar() Grammar
	// OneShot reports whether the expectation is removed once matched.
	OneShot() bool
	// SetResponseData parses one complete response. Fields are reset first.
	SetResponseData(s string)
	// ResetResponseData restores every parsed field to its default.
	ResetResponseData()
	// IsResponseSet reports whether a response was parsed since the last reset.
	IsResponseSet() bool
}

// Notifier is implemented by persistent responses that raise a notification
// when matched. The returned func is called after the matcher lock is
// released; it must capture whatever data it needs.
type Notifier interface {
	Notification() func()
}

// response is the state shared by every response kind.
type response struct {
	grammar Grammar
	oneShot bool
	isSet   bool
}

func (r *response) Grammar() Grammar    { return r.grammar }
func (r *response) OneShot() bool       { return r.oneShot }
func (r *response) IsResponseSet() bool { return r.isSet }
func (r *response) ResetResponseData()  { r.isSet = false }

// setBase resets and validates s, returning the capture groups.
func (r *response) setBase(s string) []string {
	r.isSet = false
	m, ok := r.grammar.submatches(s)
	if !ok {
		return nil
	}
	r.isSet = true
	return m
}

var raceClearedGrammar = NewGrammar(`@`, `@`)

// RaceClearedResponse is the unsolicited "@" sent when the track is reset.
type RaceClearedResponse struct {
	response
	handler func()
}

// NewRaceClearedResponse returns a persistent race-cleared expectation.
// handler may be nil.
func NewRaceClearedResponse(handler func()) *RaceClearedResponse {
	return &RaceClearedResponse{
		response: response{grammar: raceClearedGrammar},
		handler:  handler,
	}
}

func (r *RaceClearedResponse) SetResponseData(s string) {
	r.setBase(s)
}

func (r *RaceClearedResponse) Notification() func() {
	if !r.isSet || r.handler == nil {
		return nil
	}
	return r.handler
}

const (
	laneGroup        = `([0-9]\.[0-9]{3})([ !"#$%&]) `
	laneGroupNoCap   = `[A-E]=[0-9]\.[0-9]{3}[ !"#$%&] `
	laneGroupAnyLane = `[A-F]=[0-9]\.[0-9]{3}[ !"#$%&] `
)

var raceResultsGrammar = NewGrammar(
	`A=`+laneGroup+`B=`+laneGroup+`C=`+laneGroup+
		`D=`+laneGroup+`E=`+laneGroup+`F=`+laneGroup+`\r\n`,
	`(?:`+laneGroupNoCap+`){0,5}[A-F]=?`+
		`|(?:`+laneGroupNoCap+`){0,5}[A-F]=[0-9]\.?`+
		`|(?:`+laneGroupNoCap+`){0,5}[A-F]=[0-9]\.[0-9]{0,3}`+
		`|(?:`+laneGroupNoCap+`){0,5}[A-F]=[0-9]\.[0-9]{3}[ !"#$%&]`+
		`|(?:`+laneGroupAnyLane+`){1,6}\r?`,
)

// RaceResultsResponse is the unsolicited results line sent when a race ends.
type RaceResultsResponse struct {
	response
	times   [MaxLaneCount]float64
	places  [MaxLaneCount]Place
	handler func(RaceResultsResponse)
}

// NewRaceResultsResponse returns a persistent results expectation. handler
// receives a copy of the parsed response and may be nil.
func NewRaceResultsResponse(handler func(RaceResultsResponse)) *RaceResultsResponse {
	r := &RaceResultsResponse{
		response: response{grammar: raceResultsGrammar},
		handler:  handler,
	}
	r.ResetResponseData()
	return r
}

// ParseRaceResults parses a complete results line.
func ParseRaceResults(s string) (RaceResultsResponse, bool) {
	r := NewRaceResultsResponse(nil)
	r.SetResponseData(s)
	return *r, r.isSet
}

func (r *RaceResultsResponse) ResetResponseData() {
	r.response.ResetResponseData()
	for i := range r.times {
		r.times[i] = 0
		r.places[i] = NoPlace
	}
}

func (r *RaceResultsResponse) SetResponseData(s string) {
	r.ResetResponseData()
	m := r.setBase(s)
	if m == nil {
		return
	}
	for i := 0; i < MaxLaneCount; i++ {
		t, err := strconv.ParseFloat(m[2*i+1], 64)
		if err != nil {
			// the grammar only admits d.ddd
			t = 0
		}
		r.times[i] = t
		r.places[i] = placeFromSymbol(m[2*i+2][0])
	}
}

func (r *RaceResultsResponse) Notification() func() {
	if !r.isSet || r.handler == nil {
		return nil
	}
	cp := *r
	h := r.handler
	return func() { h(cp) }
}

// Time returns the raw time reported for the lane, 0 if none.
func (r RaceResultsResponse) Time(l Lane) float64 { return r.times[l] }

// Place returns the raw place token reported for the lane.
func (r RaceResultsResponse) Place(l Lane) Place { return r.places[l] }

// Times returns all raw lane times.
func (r RaceResultsResponse) Times() [MaxLaneCount]float64 { return r.times }

// Places returns all raw place tokens.
func (r RaceResultsResponse) Places() [MaxLaneCount]Place { return r.places }

// String re-derives the wire form of the parsed response.
func (r RaceResultsResponse) String() string {
	return FormatResults(r.times, r.places)
}

// FormatResults renders a results line the way the device sends it.
func FormatResults(times [MaxLaneCount]float64, places [MaxLaneCount]Place) string {
	var sb strings.Builder
	for i := 0; i < MaxLaneCount; i++ {
		t := times[i]
		if t < 0 || t > 9.999 {
			t = 0
		}
		fmt.Fprintf(&sb, "%c=%.3f%c ", Lane(i).Letter(), t, places[i].Symbol())
	}
	sb.WriteString("\r\n")
	return sb.String()
}
