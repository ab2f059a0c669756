package chat

// DisplayMessage is one entry of the user-facing transcript.
type DisplayMessage struct {
	Message  string    `json:"message"`
	Type     string    `json:"type"`
	ToolData *ToolData `json:"tool_data,omitempty"`
}

var displayTypes = map[string]string{
	RoleUser:      "user",
	RoleAssistant: "bot",
}

// UserFacingMessages filters the raw log down to what an end user should
// see: hidden entries, tool plumbing and system-generated initial messages
// are dropped. Privileged viewers additionally get tool provenance attached
// to answers that follow a tool round-trip.
func UserFacingMessages(msgs []Message, privileged bool) []DisplayMessage {
	out := make([]DisplayMessage, 0, len(msgs))
	for i, msg := range msgs {
		if msg.ShowInUserHistory != nil && !*msg.ShowInUserHistory {
			continue
		}
		msgType, ok := displayTypes[msg.Role]
		if !ok || len(msg.ToolCalls) > 0 || msg.SystemGenerated {
			continue
		}

		var toolData *ToolData
		if privileged && i > 0 && msgs[i-1].Role == RoleTool {
			toolData = &ToolData{
				UsedTool:    msgs[i-1].Name,
				ToolContent: msgs[i-1].Content,
			}
			if i > 1 {
				toolData.ToolCalls = msgs[i-2].ToolCalls
			}
		}

		out = append(out, DisplayMessage{
			Message:  msg.Content,
			Type:     msgType,
			ToolData: toolData,
		})
	}
	return out
}
