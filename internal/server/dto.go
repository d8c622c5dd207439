package server

import (
	"mentorline/internal/chat"
	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/extract"
	"mentorline/internal/planner"
)

// Request payloads

type TextRequest struct {
	Text string `json:"text" minLength:"1" maxLength:"4000"`
}

type StatusRequest struct {
	Status string `json:"status" enum:"done,stuck,blocked"`
}

type ReminderRequest struct {
	Offset string `json:"offset" enum:"30m,1h,tomorrow"`
}

type DevLoginRequest struct {
	ConversationID string `json:"conversation_id" minLength:"1"`
}

// Response payloads

type GoalList struct {
	Items []domain.Goal `json:"items"`
}

type DeleteAllResponse struct {
	Deleted bool `json:"deleted"`
}

type TodayResponse struct {
	Day   string        `json:"day" example:"2024-01-01"`
	Tasks []domain.Task `json:"tasks"`
	Text  string        `json:"text"`
}

type StatusResponse struct {
	Day     string            `json:"day"`
	Applied bool              `json:"applied"`
	Status  domain.TaskStatus `json:"status,omitempty"`
	Task    *domain.Task      `json:"task,omitempty"`
	Queue   []domain.Task     `json:"queue"`
	Message string            `json:"message"`
}

type ExtractResponse struct {
	Goal       string   `json:"goal"`
	HasGoal    bool     `json:"has_goal"`
	Tasks      []string `json:"tasks"`
	Proposable bool     `json:"proposable"`
}

type ChatResponse struct {
	ConversationID string         `json:"conversation_id"`
	Route          string         `json:"route"`
	Messages       []string       `json:"messages"`
	Proposal       *chat.Proposal `json:"proposal,omitempty"`
}

type EventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatsResponse = engine.Stats

func statusResponse(day string, res planner.StatusResult, message string) StatusResponse {
	queue := res.Queue
	if queue == nil {
		queue = []domain.Task{}
	}
	return StatusResponse{
		Day:     day,
		Applied: res.Applied,
		Status:  res.Status,
		Task:    res.Task,
		Queue:   queue,
		Message: message,
	}
}

func extractResponse(r extract.Result) ExtractResponse {
	tasks := r.Tasks
	if tasks == nil {
		tasks = []string{}
	}
	return ExtractResponse{
		Goal:       r.Goal,
		HasGoal:    r.HasGoal,
		Tasks:      tasks,
		Proposable: r.Proposable(),
	}
}

func chatResponse(conv string, r chat.Reply) ChatResponse {
	msgs := r.Messages
	if msgs == nil {
		msgs = []string{}
	}
	return ChatResponse{
		ConversationID: conv,
		Route:          r.Route,
		Messages:       msgs,
		Proposal:       r.Proposal,
	}
}
