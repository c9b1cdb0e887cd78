package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/transcript"
)

// maxTranscriptLines caps a single read_transcript call.
const maxTranscriptLines = 200

// ListIncidentsInput selects a day.
type ListIncidentsInput struct {
	Date string `json:"date" jsonschema:"day to inspect as YYYY-MM-DD"`
}

// Incident is one summarized incident.
type Incident struct {
	TriggerIndex int    `json:"trigger_index"`
	AnchorTime   string `json:"anchor_time"`
	NGWord       string `json:"ng_word"`
	Severity     int    `json:"severity"`
	Summary      string `json:"summary"`
	Action       string `json:"action"`
}

// TranscriptLine is a transcript entry flattened for tool output.
type TranscriptLine struct {
	Index int      `json:"index"`
	Time  string   `json:"time,omitempty"`
	Role  string   `json:"role"`
	Stage string   `json:"stage,omitempty"`
	ID    string   `json:"id,omitempty"`
	Text  string   `json:"text"`
	Hits  []string `json:"hits,omitempty"`
}

func toolLine(l Line) TranscriptLine {
	tl := TranscriptLine{
		Index: l.Index,
		Role:  string(l.Entry.Role),
		Stage: string(l.Entry.Stage),
		ID:    l.Entry.ID,
		Text:  l.Entry.Text,
		Hits:  l.Entry.Hits,
	}
	if l.Entry.HasTime() {
		tl.Time = l.Entry.Time.Format(transcript.TimeLayout)
	}
	return tl
}

// ListIncidentsOutput lists summarized incidents and keyword lines that have
// no summary yet.
type ListIncidentsOutput struct {
	Date      string     `json:"date"`
	Incidents []Incident       `json:"incidents"`
	Pending   []TranscriptLine `json:"pending"`
}

// ReadTranscriptInput selects a line range of one day. To is inclusive.
type ReadTranscriptInput struct {
	Date string `json:"date" jsonschema:"day to read as YYYY-MM-DD"`
	From int    `json:"from,omitempty" jsonschema:"first line index, default 0"`
	To   int    `json:"to,omitempty" jsonschema:"last line index, inclusive; default from+49"`
}

// ReadTranscriptOutput holds the selected lines.
type ReadTranscriptOutput struct {
	Date  string           `json:"date"`
	Total int              `json:"total"`
	Lines []TranscriptLine `json:"lines"`
}

// NewMCPServer returns an MCP server exposing the incident tools.
func NewMCPServer(log *incident.Log, store *summarize.FileStore) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "cashield", Version: "1.0.0"}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "list_incidents",
		Description: "List summarized harassment incidents for a day, plus keyword hits that have not been summarized yet.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in ListIncidentsInput) (*mcpsdk.CallToolResult, ListIncidentsOutput, error) {
		out, err := listIncidents(log, store, in.Date)
		return nil, out, err
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "read_transcript",
		Description: "Read parsed transcript lines of a day by index range.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, in ReadTranscriptInput) (*mcpsdk.CallToolResult, ReadTranscriptOutput, error) {
		out, err := readTranscript(log, in)
		return nil, out, err
	})

	return srv
}

// NewMCPHandler serves [NewMCPServer] over streamable HTTP.
func NewMCPHandler(log *incident.Log, store *summarize.FileStore) http.Handler {
	srv := NewMCPServer(log, store)
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func listIncidents(log *incident.Log, store *summarize.FileStore, date string) (ListIncidentsOutput, error) {
	out := ListIncidentsOutput{Date: date, Incidents: []Incident{}, Pending: []TranscriptLine{}}
	if err := checkDate(date); err != nil {
		return out, err
	}
	recs, err := store.Records(date)
	if err != nil {
		return out, err
	}
	done := make(map[int]bool, len(recs))
	for _, r := range recs {
		done[r.Meta.TriggerIndex] = true
		out.Incidents = append(out.Incidents, Incident{
			TriggerIndex: r.Meta.TriggerIndex,
			AnchorTime:   r.AnchorTime,
			NGWord:       r.NGWord,
			Severity:     r.Severity,
			Summary:      r.Summary,
			Action:       r.Action,
		})
	}

	lines, err := readLines(log, date)
	if err != nil {
		// Summaries can outlive a missing or purged transcript.
		return out, nil
	}
	for _, l := range lines {
		if len(l.Entry.Hits) > 0 && !done[l.Index] {
			out.Pending = append(out.Pending, toolLine(l))
		}
	}
	return out, nil
}

func readTranscript(log *incident.Log, in ReadTranscriptInput) (ReadTranscriptOutput, error) {
	out := ReadTranscriptOutput{Date: in.Date, Lines: []TranscriptLine{}}
	if err := checkDate(in.Date); err != nil {
		return out, err
	}
	lines, err := readLines(log, in.Date)
	if err != nil {
		return out, fmt.Errorf("no transcript for %s", in.Date)
	}
	out.Total = len(lines)

	from := max(in.From, 0)
	to := in.To
	if to == 0 || to < from {
		to = from + 49
	}
	to = min(to, from+maxTranscriptLines-1, len(lines)-1)
	for i := from; i <= to; i++ {
		out.Lines = append(out.Lines, toolLine(lines[i]))
	}
	return out, nil
}

func checkDate(date string) error {
	if _, err := time.Parse(incident.DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	return nil
}
