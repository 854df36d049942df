package plan

// Snapshot 计划的可序列化形态，供持久层在每次状态变更后保存。
// Snapshot is the serializable form of a plan, persisted after every status
// change and used to rebuild the arena on session resume.
type Snapshot struct {
	ID            string     `json:"id"`
	OpenQuestions []string   `json:"open_questions,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Items         []TodoItem `json:"items"`
}

// Snapshot captures the current plan state in display order.
func (l *TodoList) Snapshot() Snapshot {
	s := Snapshot{
		ID:            l.ID,
		OpenQuestions: append([]string(nil), l.OpenQuestions...),
		Notes:         l.Notes,
		Items:         make([]TodoItem, 0, len(l.order)),
	}
	for _, id := range l.order {
		item := *l.items[id]
		item.Dependencies = append([]string(nil), item.Dependencies...)
		item.History = append([]ExecutionRecord(nil), item.History...)
		s.Items = append(s.Items, item)
	}
	return s
}

// FromSnapshot rebuilds a plan from its persisted form.
func FromSnapshot(s Snapshot) *TodoList {
	l := &TodoList{
		ID:            s.ID,
		OpenQuestions: append([]string(nil), s.OpenQuestions...),
		Notes:         s.Notes,
		items:         make(map[string]*TodoItem, len(s.Items)),
		order:         make([]string, 0, len(s.Items)),
	}
	for i := range s.Items {
		item := s.Items[i]
		if item.MaxAttempts <= 0 {
			item.MaxAttempts = DefaultMaxAttempts
		}
		l.items[item.ID] = &item
		l.order = append(l.order, item.ID)
	}
	return l
}
