package analysis

import (
	"sort"

	"github.com/grafana/cachelog/pkg/tracelog"
)

type PIDSummary struct {
	PID       int
	Lines     int
	FirstLine int
	LastLine  int
}

// SummarizePIDs counts the lines of every process, busiest process first.
func SummarizePIDs(r *tracelog.Reader) ([]PIDSummary, error) {
	byPID := make(map[int]*PIDSummary)
	err := r.ForEach(func(rec tracelog.Record) error {
		s, ok := byPID[rec.PID]
		if !ok {
			s = &PIDSummary{PID: rec.PID, FirstLine: rec.Line}
			byPID[rec.PID] = s
		}
		s.Lines++
		s.LastLine = rec.Line
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]PIDSummary, 0, len(byPID))
	for _, s := range byPID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lines != out[j].Lines {
			return out[i].Lines > out[j].Lines
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

// BusiestPID returns the process with the most lines, or 0 for an empty log.
func BusiestPID(summaries []PIDSummary) int {
	if len(summaries) == 0 {
		return 0
	}
	return summaries[0].PID
}

type ExtraFieldLine struct {
	Line int
	tracelog.ExtraField
}

// ExtraFields lists the extra field lines of the processes selected by pid.
func ExtraFields(r *tracelog.Reader, pid int) ([]ExtraFieldLine, error) {
	var out []ExtraFieldLine
	err := r.ForEach(func(rec tracelog.Record) error {
		if ev, ok := rec.Event.(tracelog.ExtraField); ok && selects(pid, rec.PID) {
			out = append(out, ExtraFieldLine{Line: rec.Line, ExtraField: ev})
		}
		return nil
	})
	return out, err
}

type OtherLine struct {
	Line int
	PID  int
	Text string
}

// OtherLines lists the lines no known event matched.
func OtherLines(r *tracelog.Reader, pid int) ([]OtherLine, error) {
	var out []OtherLine
	err := r.ForEach(func(rec tracelog.Record) error {
		if ev, ok := rec.Event.(tracelog.Unrecognized); ok && selects(pid, rec.PID) {
			out = append(out, OtherLine{Line: rec.Line, PID: rec.PID, Text: ev.Text})
		}
		return nil
	})
	return out, err
}

type ForkLine struct {
	Line  int
	PID   int
	Index int
}

// ForkLines reports the lines at which a process restarts its frame
// numbering, which happens when a process forks.
func ForkLines(r *tracelog.Reader) ([]ForkLine, error) {
	var out []ForkLine
	last := make(map[int]int)
	err := r.ForEach(func(rec tracelog.Record) error {
		ev, ok := rec.Event.(tracelog.AddFrame)
		if !ok {
			return nil
		}
		if prev, seen := last[rec.PID]; seen && ev.Index <= prev {
			out = append(out, ForkLine{Line: rec.Line, PID: rec.PID, Index: ev.Index})
		}
		last[rec.PID] = ev.Index
		return nil
	})
	return out, err
}

func selects(want, pid int) bool {
	return want == 0 || want == pid
}
