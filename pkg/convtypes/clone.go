package convtypes

import "maps"

// Clone returns a copy of v.
func (v *VoiceMetadata) Clone() *VoiceMetadata {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Clone returns a deep copy of m.
func (m *InputMetadata) Clone() *InputMetadata {
	if m == nil {
		return nil
	}
	return &InputMetadata{Voice: m.Voice.Clone(), Extra: maps.Clone(m.Extra)}
}

// Clone returns a copy of in whose metadata is not shared.
func (in ConversationInput) Clone() ConversationInput {
	in.Metadata = in.Metadata.Clone()
	return in
}

// Clone returns a copy of c with its own parameter map.
func (c NavigationCommand) Clone() NavigationCommand {
	c.Parameters = maps.Clone(c.Parameters)
	return c
}

// CloneNavigationCommands deep-copies cmds. A nil slice stays nil.
func CloneNavigationCommands(cmds []NavigationCommand) []NavigationCommand {
	if cmds == nil {
		return nil
	}
	out := make([]NavigationCommand, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Clone()
	}
	return out
}

// Clone returns a deep copy of m.
func (m *MessageMetadata) Clone() *MessageMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.NavigationCommands = CloneNavigationCommands(m.NavigationCommands)
	out.Voice = m.Voice.Clone()
	return &out
}

// Clone returns a copy of msg whose metadata is not shared.
func (msg ConversationMessage) Clone() ConversationMessage {
	msg.Metadata = msg.Metadata.Clone()
	return msg
}

// CloneMessages deep-copies msgs. A nil slice stays nil.
func CloneMessages(msgs []ConversationMessage) []ConversationMessage {
	if msgs == nil {
		return nil
	}
	out := make([]ConversationMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out
}

// Clone returns a copy of o with its own pointer fields.
func (o ConversationOptions) Clone() ConversationOptions {
	o.IncludeContext = clonePtr(o.IncludeContext)
	o.Temperature = clonePtr(o.Temperature)
	o.MaxTokens = clonePtr(o.MaxTokens)
	o.HistoryLimit = clonePtr(o.HistoryLimit)
	if o.Context != nil {
		ctxOpts := *o.Context
		ctxOpts.IncludeProfile = clonePtr(o.Context.IncludeProfile)
		o.Context = &ctxOpts
	}
	return o
}

// Clone returns a copy of r with its own message slice.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]ChatMessage(nil), r.Messages...)
	return &out
}

// Clone returns a copy of r.
func (r *ChatResponse) Clone() *ChatResponse {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Clone returns a copy of e with its own top-level request and response maps.
func (e HTTPExchange) Clone() HTTPExchange {
	e.Request = maps.Clone(e.Request)
	e.Response = maps.Clone(e.Response)
	return e
}

// Clone returns a copy of t that shares nothing mutable with the original.
func (t DebugTrace) Clone() DebugTrace {
	t.Input = t.Input.Clone()
	t.Options = t.Options.Clone()
	t.BackendRequest = t.BackendRequest.Clone()
	t.BackendResponse = t.BackendResponse.Clone()
	if t.HTTPExchanges != nil {
		exchanges := make([]HTTPExchange, len(t.HTTPExchanges))
		for i, ex := range t.HTTPExchanges {
			exchanges[i] = ex.Clone()
		}
		t.HTTPExchanges = exchanges
	}
	return t
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
