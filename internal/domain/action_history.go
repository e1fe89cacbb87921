package domain

import "time"

// ActionHistory 记录一次对某台机器的动作分发结果
type ActionHistory struct {
	ID          int64     `json:"id"`
	MachineID   int64     `json:"machine_id"`
	MachineName string    `json:"machine_name"`
	Action      string    `json:"action"`
	Argument    string    `json:"argument,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Status      string    `json:"status,omitempty"`
	ErrorText   string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  int64     `json:"duration_ms"`
}
