package domain

import "time"

// BatchTask 在多台机器上执行同一动作
type BatchTask struct {
	Action     string   // 操作名 (内置或自定义)
	Args       []string // 参数
	MachineIDs []int64  // 目标机器ID列表
	Timeout    int      // 每台机器超时 (秒)
	Parallel   int      // 并发 (>0 覆盖全局)
}

// BatchResult is the outcome of a batch task on one machine.
type BatchResult struct {
	MachineID   int64
	MachineName string
	Provider    string
	Status      MachineStatus
	HasStatus   bool
	Stdout      string
	Stderr      string
	ExitCode    int
	Err         error
	Duration    time.Duration
}
