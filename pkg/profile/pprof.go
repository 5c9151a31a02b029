package profile

import (
	"io"

	"github.com/google/pprof/profile"
)

const timeLabel = "time_ms"

// Pprof converts p into a pprof profile with one location per frame and
// one sample per recorded sample. The sample time is kept in a numeric
// label.
func (p *Profile) Pprof() *profile.Profile {
	out := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
		Period:     1,
	}

	functions := make(map[string]*profile.Function)
	locations := make([]*profile.Location, p.Table.NumFrames())
	for i := range locations {
		f := p.Table.Frame(i)
		name, file, line := p.FrameName(i), "", int64(0)
		if len(f.Symbols) > 0 {
			name, file, line = f.Symbols[0].FunctionName, f.Symbols[0].FilePath, int64(f.Symbols[0].LineNumber)
		}
		key := name + "\x00" + file
		fn, ok := functions[key]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(out.Function) + 1),
				Name:       name,
				SystemName: name,
				Filename:   file,
			}
			functions[key] = fn
			out.Function = append(out.Function, fn)
		}
		locations[i] = &profile.Location{
			ID:      uint64(i + 1),
			Address: f.Address,
			Line:    []profile.Line{{Function: fn, Line: line}},
		}
	}
	out.Location = locations

	var end float64
	for _, s := range p.Samples {
		frames := p.stackFrames(s.Stack)
		locs := make([]*profile.Location, len(frames))
		for i, f := range frames {
			locs[i] = locations[f]
		}
		out.Sample = append(out.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1},
			NumLabel: map[string][]int64{timeLabel: {int64(s.TimeMs)}},
			NumUnit:  map[string][]string{timeLabel: {"ms"}},
		})
		end = max(end, s.TimeMs)
	}
	out.DurationNanos = int64(end * 1e6)
	return out
}

// WritePprof writes p as a gzipped pprof protobuf.
func (p *Profile) WritePprof(w io.Writer) error {
	return p.Pprof().Write(w)
}
