// Package api is the narrow entry point outer layers (CLI, future HTTP) use
// to reach the fleet.
package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/draft"
	"github.com/QingMing-Bot/pc-manager/internal/fleet"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/internal/service"
	"github.com/QingMing-Bot/pc-manager/pkg/importexport"
)

// Deps 后端依赖
type Deps struct {
	Machines    repository.MachineStore
	Credentials repository.CredentialStore
	Operations  repository.OperationStore
	History     repository.HistoryStore
	Fleet       *fleet.Fleet
	Service     *service.ActionService
	Logger      *zap.Logger
}

// Backend 对外暴露的门面
type Backend struct {
	machines repository.MachineStore
	creds    repository.CredentialStore
	ops      repository.OperationStore
	history  repository.HistoryStore
	fleet    *fleet.Fleet
	svc      *service.ActionService
	log      *zap.Logger
}

func NewBackend(d Deps) *Backend {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Backend{
		machines: d.Machines, creds: d.Credentials, ops: d.Operations, history: d.History,
		fleet: d.Fleet, svc: d.Service, log: d.Logger,
	}
}

// ListMachines 全量列表 (含缓存状态)
func (b *Backend) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	return b.machines.List(ctx)
}

func (b *Backend) SearchMachines(ctx context.Context, q string) ([]domain.Machine, error) {
	return b.machines.Search(ctx, q)
}

// ResolveMachines 名称 -> ID
func (b *Backend) ResolveMachines(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		m, err := b.machines.GetByName(ctx, n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// AllMachineIDs lists every machine id, for fleet-wide batches.
func (b *Backend) AllMachineIDs(ctx context.Context) ([]int64, error) {
	list, err := b.machines.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids, nil
}

// CommitMachine 保存草稿
func (b *Backend) CommitMachine(ctx context.Context, d *draft.MachineDraft) (domain.Machine, error) {
	return d.Commit(ctx, b.machines)
}

func (b *Backend) EditMachine(ctx context.Context, id int64) (*draft.MachineDraft, error) {
	return draft.LoadMachineDraft(ctx, b.machines, id)
}

// DeleteMachine 删除
func (b *Backend) DeleteMachine(ctx context.Context, id int64) error {
	return b.machines.Delete(ctx, id)
}

// MovePlatform reorders one machine's platforms; from and to are priorities.
func (b *Backend) MovePlatform(ctx context.Context, machineID int64, from, to int) error {
	return b.machines.MovePlatform(ctx, machineID, from, to)
}

// Operations lists what a machine can dispatch, by provider.
func (b *Backend) Operations(ctx context.Context, machineID int64) (map[string][]string, error) {
	m, err := b.fleet.Machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return m.Operations(), nil
}

// GetStatus reads the live status without touching the cache.
func (b *Backend) GetStatus(ctx context.Context, machineID int64) (domain.MachineStatus, error) {
	return b.svc.Status(ctx, machineID)
}

func (b *Backend) EnsureStatus(ctx context.Context, machineID int64, target domain.MachineStatus) (domain.MachineStatus, error) {
	return b.svc.Ensure(ctx, machineID, target)
}

// ExecuteAction 单机执行 (内置或自定义操作)
func (b *Backend) ExecuteAction(ctx context.Context, machineID int64, op string, args []string) (domain.BatchResult, error) {
	return b.svc.Execute(ctx, machineID, op, args)
}

// Capture runs command on one machine and waits for its output.
func (b *Backend) Capture(ctx context.Context, machineID int64, command string) (domain.BatchResult, error) {
	return b.svc.Capture(ctx, machineID, command)
}

// Execute 批量执行
func (b *Backend) Execute(ctx context.Context, task domain.BatchTask) ([]domain.BatchResult, error) {
	return b.svc.BatchExec(ctx, task)
}

// ExecuteStream 逐条回调结果
func (b *Backend) ExecuteStream(ctx context.Context, task domain.BatchTask, cb func(domain.BatchResult)) error {
	return b.svc.StreamExec(ctx, task, cb)
}

// StartJob 启动后台批量任务；返回 jobID
func (b *Backend) StartJob(jobID string, task domain.BatchTask, cb func(domain.BatchResult), done func(error)) (string, error) {
	return b.svc.StartBatch(jobID, task, cb, done)
}

// CancelJob 取消指定 job
func (b *Backend) CancelJob(jobID string) bool { return b.svc.Cancel(jobID) }

func (b *Backend) HasJob(jobID string) bool { return b.svc.HasJob(jobID) }

// RecentHistory 最近历史
func (b *Backend) RecentHistory(ctx context.Context, limit int) ([]domain.ActionHistory, error) {
	return b.history.ListRecent(ctx, limit)
}

// RecentHistoryFiltered 过滤历史
func (b *Backend) RecentHistoryFiltered(ctx context.Context, limit int, machine, action string) ([]domain.ActionHistory, error) {
	return b.history.ListFiltered(ctx, limit, machine, action)
}

// CustomOperations lists stored custom operations.
func (b *Backend) CustomOperations(ctx context.Context) ([]domain.CustomOperation, error) {
	return b.ops.List(ctx)
}

// SaveOperation 校验并保存自定义操作
func (b *Backend) SaveOperation(ctx context.Context, d *draft.OperationDraft) (domain.CustomOperation, error) {
	return d.Commit(ctx, b.ops)
}

func (b *Backend) DeleteOperation(ctx context.Context, name string) error {
	op, err := b.ops.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return b.ops.Delete(ctx, op.ID)
}

// AttachOperation makes a stored custom operation available on a machine.
func (b *Backend) AttachOperation(ctx context.Context, machineID int64, opName string) error {
	op, err := b.ops.GetByName(ctx, opName)
	if err != nil {
		return err
	}
	return b.ops.Attach(ctx, machineID, op.ID)
}

func (b *Backend) DetachOperation(ctx context.Context, machineID int64, opName string) error {
	op, err := b.ops.GetByName(ctx, opName)
	if err != nil {
		return err
	}
	return b.ops.Detach(ctx, machineID, op.ID)
}

// StatusReport renders the cached statuses as CSV.
func (b *Backend) StatusReport(ctx context.Context) (string, error) {
	list, err := b.machines.List(ctx)
	if err != nil {
		return "", err
	}
	return importexport.RenderStatusCSV(list)
}

// ImportMachinesCSV 导入 CSV 机器列表
func (b *Backend) ImportMachinesCSV(ctx context.Context, data []byte) (ImportSummary, error) {
	ms, err := importexport.ParseMachinesCSV(data)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("parse csv: %w", err)
	}
	return b.Import(ctx, importexport.Inventory{Machines: ms})
}
