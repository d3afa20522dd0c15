package a2a

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Status = t.Status.Clone()
	if t.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			out.Artifacts[i] = a.Clone()
		}
	}
	if t.History != nil {
		out.History = make([]Message, len(t.History))
		for i, m := range t.History {
			out.History[i] = m.Clone()
		}
	}
	out.Metadata = cloneMap(t.Metadata)
	return &out
}

// Clone returns a deep copy of the status.
func (s TaskStatus) Clone() TaskStatus {
	if s.Message != nil {
		m := s.Message.Clone()
		s.Message = &m
	}
	return s
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Parts = cloneParts(m.Parts)
	m.Metadata = cloneMap(m.Metadata)
	return m
}

// Clone returns a deep copy of the artifact.
func (a Artifact) Clone() Artifact {
	a.Parts = cloneParts(a.Parts)
	a.Metadata = cloneMap(a.Metadata)
	return a
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		p.Data = cloneMap(p.Data)
		p.Metadata = cloneMap(p.Metadata)
		if p.File != nil {
			f := *p.File
			p.File = &f
		}
		out[i] = p
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
