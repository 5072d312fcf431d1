package contextasm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/machi/internal/model"
)

const previewLen = 60

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// now is the run's own clock. Using the wall clock would make two
// assemblies of unchanged state differ.
func now(run model.Run) time.Time {
	if !run.UpdatedAt.IsZero() {
		return run.UpdatedAt
	}
	return run.CreatedAt
}

func decodeMessageTrigger(run model.Run) (model.MessageTrigger, bool) {
	var t model.MessageTrigger
	if err := json.Unmarshal(run.TriggerPayload, &t); err != nil || t.SpaceID == "" {
		return model.MessageTrigger{}, false
	}
	return t, true
}

func renderIdentity(src *sources) string {
	var b strings.Builder
	name := src.entity.DisplayName
	if name == "" {
		name = src.entity.ID
	}
	fmt.Fprintf(&b, "You are %s (id %s).\n", name, src.entity.ID)
	fmt.Fprintf(&b, "Current time: %s\n", ts(now(src.run)))
	fmt.Fprintf(&b, "Run %s, cycle %d, step %d.\n", src.run.ID, src.run.CycleNumber, src.run.StepCount)
	return b.String()
}

func renderTrigger(run model.Run) string {
	switch run.TriggerType {
	case model.TriggerMessage:
		var t model.MessageTrigger
		if json.Unmarshal(run.TriggerPayload, &t) == nil {
			return fmt.Sprintf("Message from %s in space %s at %s (seq %d):\n%s\n",
				t.SenderID, t.SpaceID, ts(t.SentAt), t.Seq, t.Content)
		}
	case model.TriggerPlan:
		var t model.PlanTrigger
		if json.Unmarshal(run.TriggerPayload, &t) == nil {
			s := fmt.Sprintf("Plan %s fired at %s:\n%s\n", t.PlanID, ts(t.FiredAt), t.Description)
			if t.Schedule != "" {
				s += "Schedule: " + describeSchedule(t.Schedule, t.FiredAt) + "\n"
			}
			return s
		}
	case model.TriggerService:
		var t model.ServiceTrigger
		if json.Unmarshal(run.TriggerPayload, &t) == nil {
			s := fmt.Sprintf("Service %s invoked at %s.\n", t.ServiceName, ts(t.ReceivedAt))
			if len(t.Payload) > 0 {
				s += "Payload: " + compactJSON(t.Payload) + "\n"
			}
			return s
		}
	case model.TriggerToolResult:
		var t model.ToolResultTrigger
		if json.Unmarshal(run.TriggerPayload, &t) == nil {
			return fmt.Sprintf("Late result for tool %s (correlation %s) requested by run %s, resolved at %s:\n%s\n",
				t.ToolName, t.CorrelationID, t.RunID, ts(t.ResolvedAt), compactJSON(t.Result))
		}
	}
	return fmt.Sprintf("Trigger %s: %s\n", run.TriggerType, compactJSON(run.TriggerPayload))
}

func renderActiveSpace(src *sources) string {
	if src.activeSpace == nil {
		return "No active space. Use enter_space before sending messages.\n"
	}
	if src.activeSpace.Name == "" || src.activeSpace.Name == src.activeSpace.ID {
		return fmt.Sprintf("Active space: %s\n", src.activeSpace.ID)
	}
	return fmt.Sprintf("Active space: %s (%s)\n", src.activeSpace.ID, src.activeSpace.Name)
}

func renderHistory(src *sources) string {
	if src.historySpace == "" {
		return "No conversation for this trigger.\n"
	}
	if len(src.history) == 0 {
		return fmt.Sprintf("Space %s has no messages.\n", src.historySpace)
	}

	var triggerID string
	if src.run.TriggerType == model.TriggerMessage {
		if t, ok := decodeMessageTrigger(src.run); ok {
			triggerID = t.MessageID.String()
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Space %s, last %d messages:\n", src.historySpace, len(src.history))
	for _, m := range src.history {
		tag := "new"
		if m.Seq <= src.cursor {
			tag = "seen"
		}
		if m.ID.String() == triggerID {
			tag = "trigger"
		}
		fmt.Fprintf(&b, "[%s] #%d %s %s: %s", tag, m.Seq, ts(m.CreatedAt), m.SenderID, renderMessageBody(m))
		if m.SenderID == src.run.AgentID {
			if note := annotate(m.Metadata); note != "" {
				fmt.Fprintf(&b, " (%s)", note)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessageBody(m model.Message) string {
	if m.Kind == model.MessageToolCall && m.ToolCall != nil {
		s := fmt.Sprintf("called %s(%s)", m.ToolCall.Name, compactJSON(m.ToolCall.Args))
		if len(m.ToolCall.Result) > 0 {
			s += " -> " + compactJSON(m.ToolCall.Result)
		}
		return s
	}
	return m.Content
}

// annotate explains one of the agent's own messages from metadata stored
// when it was sent. No metadata, no annotation.
func annotate(md *model.MessageMetadata) string {
	if md == nil {
		return ""
	}
	var parts []string
	if md.TriggerSummary != "" {
		parts = append(parts, "sent while handling "+md.TriggerSummary)
	} else if md.TriggerType != "" {
		parts = append(parts, "sent while handling a "+string(md.TriggerType)+" trigger")
	}
	if len(md.PrecedingActions) > 0 {
		parts = append(parts, "after "+strings.Join(md.PrecedingActions, ", "))
	}
	return strings.Join(parts, "; ")
}

func renderMemberships(src *sources) string {
	if len(src.spaces) == 0 {
		return "You are not a member of any space.\n"
	}
	active := ""
	if src.activeSpace != nil {
		active = src.activeSpace.ID
	}
	var b strings.Builder
	for _, sv := range src.spaces {
		var others []string
		for _, e := range sv.members {
			if e.ID == src.run.AgentID {
				continue
			}
			name := e.ID
			if e.DisplayName != "" && e.DisplayName != e.ID {
				name = fmt.Sprintf("%s (%s, %s)", e.DisplayName, e.ID, e.Kind)
			}
			others = append(others, name)
		}
		fmt.Fprintf(&b, "- %s", sv.space.ID)
		if sv.space.Name != "" && sv.space.Name != sv.space.ID {
			fmt.Fprintf(&b, " %q", sv.space.Name)
		}
		if sv.space.ID == active {
			b.WriteString(" [active]")
		}
		if len(others) == 0 {
			b.WriteString(": no other members")
		} else {
			b.WriteString(": " + strings.Join(others, "; "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderState(src *sources) string {
	var b strings.Builder
	b.WriteString("Memories:\n")
	if len(src.memories) == 0 {
		b.WriteString("- none\n")
	}
	for _, m := range src.memories {
		fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Value)
	}
	b.WriteString("Goals:\n")
	if len(src.goals) == 0 {
		b.WriteString("- none\n")
	}
	for _, g := range src.goals {
		fmt.Fprintf(&b, "- [p%d] %s\n", g.Priority, g.Description)
	}
	b.WriteString("Plans:\n")
	if len(src.plans) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range src.plans {
		sched := "one-off"
		if p.Schedule != "" {
			sched = describeSchedule(p.Schedule, now(src.run))
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", p.ID, p.Status, sched, p.Description)
	}
	return b.String()
}

// describeSchedule renders a cron expression with its next fire time
// after from.
func describeSchedule(expr string, from time.Time) string {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return fmt.Sprintf("cron %q (unparseable)", expr)
	}
	return fmt.Sprintf("cron %q, next at %s", expr, ts(sched.Next(from.UTC())))
}

func renderSiblings(src *sources) string {
	if len(src.siblings) == 0 {
		return "None.\n"
	}
	var b strings.Builder
	for _, s := range src.siblings {
		fmt.Fprintf(&b, "- Run %s (%s, cycle %d): %s\n", s.run.ID, s.run.Status, s.run.CycleNumber,
			model.SummarizeTrigger(s.run.TriggerType, s.run.TriggerPayload))
		if len(s.calls) == 0 {
			b.WriteString("  tools: none\n")
		} else {
			calls := make([]string, 0, len(s.calls))
			for _, c := range s.calls {
				calls = append(calls, fmt.Sprintf("%s(%s)", c.ToolName, c.Status))
			}
			b.WriteString("  tools: " + strings.Join(calls, ", ") + "\n")
		}
		if len(s.messages) == 0 {
			b.WriteString("  messages: none\n")
		} else {
			for _, m := range s.messages {
				fmt.Fprintf(&b, "  message to %s: %s\n", m.SpaceID, model.Truncate(m.Content, previewLen))
			}
		}
		if s.run.ActiveSpaceID != nil {
			fmt.Fprintf(&b, "  active space: %s\n", *s.run.ActiveSpaceID)
		} else {
			b.WriteString("  active space: none\n")
		}
	}
	return b.String()
}

func renderToolResults(src *sources) string {
	if len(src.results) == 0 {
		return "None pending.\n"
	}
	var b strings.Builder
	for _, c := range src.results {
		fmt.Fprintf(&b, "- %s %s(%s) %s: %s\n", c.ID, c.ToolName, compactJSON(c.Args), c.Status, compactJSON(c.Result))
	}
	return b.String()
}

func (a *Assembler) renderInstructions(src *sources) string {
	s := a.instructions
	if src.entity.Instructions != "" {
		s += "\n\n" + src.entity.Instructions
	}
	return s + "\n"
}

// compactJSON renders raw JSON on one line. Invalid JSON is shown as is.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
