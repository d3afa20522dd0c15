package agent

import (
	"encoding/json"
)

const (
	// DefaultLoopThreshold is the number of identical consecutive tool calls
	// that counts as a loop.
	DefaultLoopThreshold = 5

	maxResponseCompare = 500
	maxPreview         = 200

	loopCorrection = "You are looping the same tool and response. You have called the same tool with the same arguments and received the same response multiple times. Please correct yourself and try a different approach."
)

type callRecord struct {
	name     string
	args     string
	response string
}

// loopDetector tracks the most recent tool calls of one run.
type loopDetector struct {
	threshold int
	recent    []callRecord
}

type loopResult struct {
	Detected        bool
	ToolName        string
	Repetitions     int
	ArgsPreview     string
	ResponsePreview string
}

func newLoopDetector(threshold int) *loopDetector {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	return &loopDetector{threshold: threshold, recent: make([]callRecord, 0, threshold)}
}

// normalizeArgs re-marshals object arguments so key order does not matter.
func normalizeArgs(args json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return string(args)
	}
	out, _ := json.Marshal(m)
	return string(out)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// check records one call and reports whether the last threshold calls were
// identical. History is kept after a detection so a continuing loop is
// reported again on the next call.
func (d *loopDetector) check(name string, args json.RawMessage, response string) loopResult {
	if name == "" {
		return loopResult{}
	}
	rec := callRecord{name: name, args: normalizeArgs(args), response: truncate(response, maxResponseCompare)}
	d.recent = append(d.recent, rec)
	if len(d.recent) > d.threshold {
		d.recent = d.recent[1:]
	}
	if len(d.recent) < d.threshold {
		return loopResult{}
	}
	for _, r := range d.recent[1:] {
		if r != d.recent[0] {
			return loopResult{}
		}
	}
	return loopResult{
		Detected:        true,
		ToolName:        name,
		Repetitions:     d.threshold,
		ArgsPreview:     truncate(rec.args, maxPreview),
		ResponsePreview: truncate(rec.response, maxPreview),
	}
}
