package models

import "time"

// ExecutionApiResponse is the external shape of an execution projection row.
// Nullable columns are flattened to zero values.
type ExecutionApiResponse struct {
	ID                string            `json:"id"`
	DefinitionName    string            `json:"definitionName"`
	DefinitionVersion int               `json:"definitionVersion"`
	Status            string            `json:"status"`
	CurrentState      string            `json:"currentState"`
	BusinessKey       string            `json:"businessKey"`
	Context           map[string]any    `json:"context"`
	WaitEvents        []string          `json:"waitEvents,omitempty"`
	WaitDeadline      time.Time         `json:"waitDeadline,omitzero"`
	Created           time.Time         `json:"created"`
	Modified          time.Time         `json:"modified"`
}

type SearchExecutionsResponse struct {
	Results    int                    `json:"results"`
	Executions []ExecutionApiResponse `json:"executions"`
	Offset     int64                  `json:"offset"`
}

type EventApiResponse struct {
	ID          string         `json:"id"`
	EventName   string         `json:"eventName"`
	EventType   string         `json:"eventType"`
	FromState   string         `json:"fromState"`
	ToState     string         `json:"toState"`
	Payload     map[string]any `json:"payload,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	Created     time.Time      `json:"created"`
}

type TaskApiResponse struct {
	ID              string    `json:"id"`
	ExecutionID     string    `json:"executionId"`
	TaskType        string    `json:"taskType"`
	Status          string    `json:"status"`
	Priority        int       `json:"priority"`
	DueDate         time.Time `json:"dueDate,omitzero"`
	AssignedRoles   []string  `json:"assignedRoles,omitempty"`
	AssignedUsers   []string  `json:"assignedUsers,omitempty"`
	ClaimedBy       string    `json:"claimedBy,omitempty"`
	CompletionEvent string    `json:"completionEvent"`
	Created         time.Time `json:"created"`
	Modified        time.Time `json:"modified"`
}

type TaskHistoryApiResponse struct {
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus"`
	ToStatus   string    `json:"toStatus"`
	UserID     string    `json:"userId,omitempty"`
	DateTime   time.Time `json:"dateTime"`
}

type CompleteTaskRequest struct {
	ResponseData map[string]any `json:"responseData"`
}

type DefinitionApiResponse struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	Author      string    `json:"author,omitempty"`
	Graph       any       `json:"graph,omitempty"`
	Created     time.Time `json:"created"`
}

type OverviewApiRow struct {
	DefinitionName string `json:"definitionName"`
	Active         int    `json:"active"`
	Paused         int    `json:"paused"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
	Cancelled      int    `json:"cancelled"`
}
