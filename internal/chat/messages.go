package chat

import (
	"fmt"
	"strings"

	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/planner"
)

const helpText = `👋 Personal AI Mentor Active

📌 Commands:
/goals – View goals
/tasks – View today’s tasks
/addgoal <goal text>
/addtask <goal_id> <task text>
/stats – Progress counters

🗑 Delete:
/delete_recent_goal
/delete_all_goals

🧠 Smart input:
• Paste ChatGPT plans (text)

✅ Status updates:
done / stuck / blocked

⏰ Reminders:
30m / 1h / tomorrow`

const (
	msgNoGoals         = "No goals found."
	msgNoTasksToday    = "🎉 No tasks today."
	msgNoTasksLeft     = "🎉 No tasks left today."
	msgAddGoalUsage    = "Usage: /addgoal <goal text>"
	msgAddTaskUsage    = "Usage: /addtask <goal_id> <task text>"
	msgGoalIDNumber    = "goal_id must be a number"
	msgTaskAdded       = "✅ Task added"
	msgLastGoalDeleted = "🗑 Last goal deleted"
	msgConfirmDelete   = "⚠ Confirm delete ALL goals? Reply yes / no"
	msgAllDeleted      = "❌ All goals deleted"
	msgCancelled       = "Cancelled"
	msgSaved           = "✅ Goal & tasks saved"
	msgDiscarded       = "❌ Discarded"
	msgNotUnderstood   = "🤔 I couldn't find a goal with tasks in that. Paste a plan with a goal line and a numbered or bulleted list, or send /help."
	msgUnknownCommand  = "Unknown command. Send /help for the list."
)

var reminderAck = map[string]string{
	engine.Offset30m:      "⏰ Reminder set for 30 minutes",
	engine.Offset1h:       "⏰ Reminder set for 1 hour",
	engine.OffsetTomorrow: "🌅 Reminder set for tomorrow",
}

func numbered(b *strings.Builder, items []string) {
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}

func taskTexts(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Text)
	}
	return out
}

func FormatGoals(goals []domain.Goal) string {
	if len(goals) == 0 {
		return msgNoGoals
	}
	var b strings.Builder
	b.WriteString("🎯 Goals:\n")
	for _, g := range goals {
		fmt.Fprintf(&b, "%d. %s\n", g.ID, g.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatToday(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return msgNoTasksToday
	}
	var b strings.Builder
	b.WriteString("📌 Today’s Tasks:\n")
	numbered(&b, taskTexts(tasks))
	b.WriteString("\nReply: done / stuck / blocked")
	return b.String()
}

func FormatProposal(p Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 Goal:\n%s\n\n📌 Tasks:\n", p.Goal)
	numbered(&b, p.Tasks)
	b.WriteString("\nSave this? yes / no")
	return b.String()
}

// FormatDigest renders the morning message.
func FormatDigest(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return "🌅 Good morning!\n" + msgNoTasksToday
	}
	var b strings.Builder
	b.WriteString("🌅 Good morning!\n📌 Today’s Tasks:\n")
	numbered(&b, taskTexts(tasks))
	return strings.TrimRight(b.String(), "\n")
}

// FormatReminder renders a fired one-shot reminder.
func FormatReminder(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return "⏰ Reminder!\n" + msgNoTasksToday
	}
	var b strings.Builder
	b.WriteString("⏰ Reminder!\n📌 Today’s Tasks:\n")
	numbered(&b, taskTexts(tasks))
	b.WriteString("\nReply: done / stuck / blocked")
	return b.String()
}

func formatStatus(status domain.TaskStatus) string {
	return fmt.Sprintf("✅ Task marked as %s", status)
}

// FormatStatusResult is the acknowledgement for a status update.
func FormatStatusResult(res planner.StatusResult) string {
	if !res.Applied {
		return msgNoTasksLeft
	}
	return formatStatus(res.Status)
}

func formatGoalAdded(id int64) string {
	return fmt.Sprintf("✅ Goal added (ID %d)", id)
}

func formatStats(s engine.Stats) string {
	return fmt.Sprintf("📊 Progress:\nGoals: %d\nPending: %d\nDone: %d\nStuck: %d\nBlocked: %d",
		s.Goals, s.Pending, s.Done, s.Stuck, s.Blocked)
}
