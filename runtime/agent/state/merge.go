package state

// Delta is a partial State produced by a tool's ProcessedContent payload.
// Zero-valued fields mean "no change"; Messages is an append list, not a
// replacement.
type Delta struct {
	// Messages are appended to the target State in the order given.
	Messages []Message
	// Todos replaces the target State's Todos wholesale when non-nil. Tools
	// that only append or mutate a subset of todos must read the current
	// State.Todos (via Context or a prior pipeline step) and return the full
	// replacement list; the merge itself is not field-wise for Todos.
	Todos []Todo
	// Metadata is merged key-by-key into the target State.Metadata.
	Metadata map[string]any
}

// Merge applies deltas onto s in the order given, chronological and
// right-wins: later deltas in the slice win metadata-key conflicts, and all
// deltas' Messages are appended in order. This resolves the spec's open
// question on extract_state_deltas_from_chain's fold direction (§9 Design
// Notes): this runtime always folds left-to-right over chronologically
// ordered deltas, never reverses the list.
func (s *State) Merge(deltas ...Delta) {
	if s == nil {
		return
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	for _, d := range deltas {
		s.Messages = append(s.Messages, d.Messages...)
		if d.Todos != nil {
			s.Todos = d.Todos
		}
		for k, v := range d.Metadata {
			s.Metadata[k] = v
		}
	}
}

// DeltasFromToolRun scans a run of tool-role messages (as returned by
// State.NewestToolRun) in chronological order and collects every ToolResult
// whose ProcessedContent is a *Delta, preserving order. Non-Delta
// ProcessedContent values (e.g., *InterruptSignal) are ignored; callers scan
// for those separately via SignalsFromToolRun.
func DeltasFromToolRun(run []Message) []Delta {
	var out []Delta
	for _, msg := range run {
		if msg.Role != RoleTool {
			continue
		}
		for _, res := range msg.ToolResults {
			if d, ok := res.ProcessedContent.(*Delta); ok && d != nil {
				out = append(out, *d)
			}
		}
	}
	return out
}

// SignalsFromToolRun scans the last tool-role message in a run for
// InterruptSignal payloads, setting ToolCallID from the owning ToolResult.
// Per §4.6 check_post_tool_interrupt, only the *last* tool-role message in
// the run is scanned: earlier tool-role messages in the same run cannot
// carry a pending interrupt because a run only ever contains one tool-role
// message per assistant turn under the default pipeline mode.
func SignalsFromToolRun(run []Message) []*InterruptSignal {
	if len(run) == 0 {
		return nil
	}
	last := run[len(run)-1]
	if last.Role != RoleTool {
		return nil
	}
	var out []*InterruptSignal
	for _, res := range last.ToolResults {
		if sig, ok := res.ProcessedContent.(*InterruptSignal); ok && sig != nil {
			cp := *sig
			cp.ToolCallID = res.CallID
			out = append(out, &cp)
		}
	}
	return out
}
