package profile

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const processedVersion = 4

type processedProfile struct {
	Meta    processedMeta     `json:"meta"`
	Libs    []any             `json:"libs"`
	Threads []processedThread `json:"threads"`
}

type processedMeta struct {
	Version     int     `json:"version"`
	ProcessType int     `json:"processType"`
	Interval    float64 `json:"interval"`
}

type processedThread struct {
	Name        string         `json:"name"`
	ProcessType string         `json:"processType"`
	FrameTable  processedTable `json:"frameTable"`
	StackTable  processedTable `json:"stackTable"`
	Samples     processedTable `json:"samples"`
	Markers     processedTable `json:"markers"`
	StringTable []string       `json:"stringTable"`
}

type processedTable struct {
	Schema map[string]int `json:"schema"`
	Data   [][]any        `json:"data"`
}

var (
	frameSchema  = map[string]int{"location": 0, "implementation": 1, "optimizations": 2, "line": 3, "category": 4}
	stackSchema  = map[string]int{"prefix": 0, "frame": 1}
	sampleSchema = map[string]int{"stack": 0, "time": 1, "responsiveness": 2, "rss": 3, "uss": 4}
	markerSchema = map[string]int{"name": 0, "time": 1, "data": 2}
)

// WriteProcessed writes p in the processed profile JSON format. Frame i
// uses string i of the string table as its location. The root stack has a
// null prefix.
func (p *Profile) WriteProcessed(w io.Writer) error {
	nFrames, nStacks := p.Table.NumFrames(), p.Table.NumStacks()
	thread := processedThread{
		Name:        "All",
		ProcessType: "default",
		FrameTable:  processedTable{Schema: frameSchema, Data: make([][]any, 0, nFrames)},
		StackTable:  processedTable{Schema: stackSchema, Data: make([][]any, 0, nStacks)},
		Samples:     processedTable{Schema: sampleSchema, Data: make([][]any, 0, len(p.Samples))},
		Markers:     processedTable{Schema: markerSchema, Data: [][]any{}},
		StringTable: make([]string, 0, nFrames),
	}
	for i := 0; i < nFrames; i++ {
		thread.FrameTable.Data = append(thread.FrameTable.Data, []any{i})
		thread.StringTable = append(thread.StringTable, p.FrameName(i))
	}
	for i := 0; i < nStacks; i++ {
		s := p.Table.Stack(i)
		var prefix any = s.Parent
		if i == 0 {
			prefix = nil
		}
		thread.StackTable.Data = append(thread.StackTable.Data, []any{prefix, s.Frame})
	}
	for _, s := range p.Samples {
		thread.Samples.Data = append(thread.Samples.Data, []any{s.Stack, s.TimeMs, 0})
	}

	return json.NewEncoder(w).Encode(processedProfile{
		Meta:    processedMeta{Version: processedVersion, Interval: p.Interval},
		Libs:    []any{},
		Threads: []processedThread{thread},
	})
}
