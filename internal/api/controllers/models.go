package controllers

import (
	"encoding/json"

	"github.com/datallboy/newsflow/internal/engine"
)

// TaskResponse is a task as the API shows it.
type TaskResponse struct {
	engine.TaskInfo
	Progress float64 `json:"progress"`
}

func newTaskResponse(info engine.TaskInfo) TaskResponse {
	return TaskResponse{TaskInfo: info, Progress: info.Progress()}
}

type StatsResponse struct {
	BytesReceived uint64 `json:"bytes_received"`
	Received      string `json:"received"`
	Tasks         int    `json:"tasks"`
	Active        int    `json:"active"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WSMessage is one frame on the events websocket.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
