package convtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugTraceClone(t *testing.T) {
	temperature := 0.5
	limit := 4
	include := true
	trace := DebugTrace{
		Input: ConversationInput{
			Content: "hi",
			Metadata: &InputMetadata{
				Voice: &VoiceMetadata{Language: "en"},
				Extra: map[string]string{"device": "phone"},
			},
		},
		Options: ConversationOptions{
			Temperature:    &temperature,
			HistoryLimit:   &limit,
			IncludeContext: &include,
			Context:        &ContextOptions{Query: "q", IncludeProfile: &include},
		},
		BackendRequest:  &ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}},
		BackendResponse: &ChatResponse{Content: "hello"},
		HTTPExchanges:   []HTTPExchange{{Method: "POST", Request: map[string]any{"model": "m"}}},
	}

	cp := trace.Clone()
	cp.Input.Metadata.Voice.Language = "fr"
	cp.Input.Metadata.Extra["device"] = "desk"
	*cp.Options.Temperature = 1
	*cp.Options.HistoryLimit = 9
	*cp.Options.IncludeContext = false
	cp.Options.Context.Query = "other"
	*cp.Options.Context.IncludeProfile = false
	cp.BackendRequest.Messages[0].Content = "changed"
	cp.BackendResponse.Content = "changed"
	cp.HTTPExchanges[0].Request["model"] = "changed"

	assert.Equal(t, "en", trace.Input.Metadata.Voice.Language)
	assert.Equal(t, "phone", trace.Input.Metadata.Extra["device"])
	assert.InDelta(t, 0.5, *trace.Options.Temperature, 1e-9)
	assert.Equal(t, 4, *trace.Options.HistoryLimit)
	assert.True(t, *trace.Options.IncludeContext)
	assert.True(t, *trace.Options.Context.IncludeProfile)
	assert.Equal(t, "q", trace.Options.Context.Query)
	assert.Equal(t, "hi", trace.BackendRequest.Messages[0].Content)
	assert.Equal(t, "hello", trace.BackendResponse.Content)
	assert.Equal(t, "m", trace.HTTPExchanges[0].Request["model"])
}

func TestConversationStateClone(t *testing.T) {
	state := &ConversationState{
		SessionID: "s1",
		Messages: []ConversationMessage{{
			Role: RoleAssistant,
			Metadata: &MessageMetadata{
				NavigationCommands: []NavigationCommand{{Target: "p1", Parameters: map[string]string{"k": "v"}}},
			},
		}},
	}

	cp := state.Clone()
	cp.Messages[0].Metadata.NavigationCommands[0].Parameters["k"] = "changed"
	cp.Messages[0].Metadata.NavigationCommands[0].Target = "changed"

	assert.Equal(t, "v", state.Messages[0].Metadata.NavigationCommands[0].Parameters["k"])
	assert.Equal(t, "p1", state.Messages[0].Metadata.NavigationCommands[0].Target)
	assert.Nil(t, (*ConversationState)(nil).Clone())
	assert.NotNil(t, (&ConversationState{}).Clone().Messages)
}
