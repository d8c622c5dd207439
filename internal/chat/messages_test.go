package chat

import (
	"testing"

	"mentorline/internal/domain"
)

func TestFormatDigest(t *testing.T) {
	if got := FormatDigest(nil); got != "🌅 Good morning!\n🎉 No tasks today." {
		t.Fatalf("empty digest = %q", got)
	}
	tasks := []domain.Task{{ID: 4, Text: "Read"}, {ID: 9, Text: "Write"}}
	if got := FormatDigest(tasks); got != "🌅 Good morning!\n📌 Today’s Tasks:\n1. Read\n2. Write" {
		t.Fatalf("digest = %q", got)
	}
}

func TestFormatGoalsUsesIDs(t *testing.T) {
	got := FormatGoals([]domain.Goal{{ID: 7, Text: "b"}, {ID: 3, Text: "a"}})
	if got != "🎯 Goals:\n7. b\n3. a" {
		t.Fatalf("goals = %q", got)
	}
}
