package chat

// 工具消息配对规则：任何 role=tool 的消息必须能在它之前的消息里找到
// 一条 assistant 消息，其 tool_calls 包含相同的 id；否则列表不能提交给模型。
// Tool pairing rule: every role=tool message must be preceded, within the same
// list, by an assistant message whose tool_calls contains a matching id;
// otherwise the list is invalid for submission to the model.

// ValidateToolPairing returns the indexes of orphan tool messages, in order.
// An empty result means the list satisfies the pairing invariant.
func ValidateToolPairing(messages []Message) []int {
	var orphans []int
	seen := map[string]struct{}{}
	for i, m := range messages {
		switch m.Role {
		case "assistant":
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					seen[tc.ID] = struct{}{}
				}
			}
		case "tool":
			if _, ok := seen[m.ToolCallID]; !ok {
				orphans = append(orphans, i)
			}
		}
	}
	return orphans
}

// DropOrphanToolMessages removes tool messages whose pairing assistant message
// is not present earlier in the list. It returns the repaired list and the
// number of dropped messages.
func DropOrphanToolMessages(messages []Message) ([]Message, int) {
	orphans := ValidateToolPairing(messages)
	if len(orphans) == 0 {
		return messages, 0
	}
	drop := map[int]struct{}{}
	for _, idx := range orphans {
		drop[idx] = struct{}{}
	}
	out := make([]Message, 0, len(messages)-len(orphans))
	for i, m := range messages {
		if _, ok := drop[i]; ok {
			continue
		}
		out = append(out, m)
	}
	return out, len(orphans)
}

// SafeCutIndex 将切点回退到不会拆散 tool/assistant 配对的位置。
// SafeCutIndex rewinds a naive cut index so that no tool message in the tail
// is separated from its pairing assistant tool_calls message. The returned
// index is always in [0, cut].
func SafeCutIndex(messages []Message, cut int) int {
	if cut <= 0 {
		return 0
	}
	if cut >= len(messages) {
		return len(messages)
	}
	for cut > 0 {
		if !tailHasOrphan(messages, cut) {
			return cut
		}
		cut--
		// Rewind lands on an assistant message so the preceding boundary is
		// a clean decision point.
		for cut > 0 && messages[cut].Role != "assistant" {
			cut--
		}
	}
	return 0
}

func tailHasOrphan(messages []Message, cut int) bool {
	seen := map[string]struct{}{}
	for _, m := range messages[cut:] {
		switch m.Role {
		case "assistant":
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					seen[tc.ID] = struct{}{}
				}
			}
		case "tool":
			if _, ok := seen[m.ToolCallID]; !ok {
				return true
			}
		}
	}
	return false
}
