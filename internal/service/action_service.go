package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
)

const defaultTimeout = 120 * time.Second

// ActionCapture runs a command and waits for its output. It is not a
// dispatch name: the first reachable platform answers.
const ActionCapture = "capture"

// MachineLoader 按 ID 构造可分发的机器 (fleet.Fleet)
type MachineLoader interface {
	Machine(ctx context.Context, id int64) (*power.Machine, error)
	Machines(ctx context.Context, ids []int64) ([]*power.Machine, error)
}

// ActionService 负责单机与批量动作编排
type ActionService struct {
	loader      MachineLoader
	hWriter     *HistoryWriter
	maxParallel int
	timeout     time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

// NewActionService wires a loader and an optional history writer. timeout
// bounds each machine's action; <=0 keeps the default.
func NewActionService(loader MachineLoader, writer *HistoryWriter, maxParallel int, timeout time.Duration, log *zap.Logger) *ActionService {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ActionService{
		loader: loader, hWriter: writer, maxParallel: maxParallel, timeout: timeout, log: log,
		jobs: make(map[string]context.CancelFunc),
	}
}

// Execute dispatches action on one machine. The returned result carries the
// same error.
func (s *ActionService) Execute(ctx context.Context, machineID int64, action string, args []string) (domain.BatchResult, error) {
	m, err := s.loader.Machine(ctx, machineID)
	if err != nil {
		return domain.BatchResult{MachineID: machineID, Err: err}, err
	}
	r := s.run(ctx, m, action, args, s.timeout)
	return r, r.Err
}

// Ensure drives one machine toward target and returns the status reached.
func (s *ActionService) Ensure(ctx context.Context, machineID int64, target domain.MachineStatus) (domain.MachineStatus, error) {
	r, err := s.Execute(ctx, machineID, domain.OpEnsureStatus, []string{target.Key()})
	return r.Status, err
}

// Capture runs command on one machine and returns its output.
func (s *ActionService) Capture(ctx context.Context, machineID int64, command string) (domain.BatchResult, error) {
	return s.Execute(ctx, machineID, ActionCapture, []string{command})
}

// Status reads one machine's live status.
func (s *ActionService) Status(ctx context.Context, machineID int64) (domain.MachineStatus, error) {
	r, err := s.Execute(ctx, machineID, domain.OpGetStatus, nil)
	return r.Status, err
}

func targetOf(args []string) (domain.MachineStatus, error) {
	if len(args) != 1 {
		return domain.StatusUnknown, &power.ArgumentError{Op: domain.OpEnsureStatus, Want: 1, Got: len(args)}
	}
	st, err := domain.ParseStatus(args[0])
	if err != nil {
		return domain.StatusUnknown, &power.ArgumentError{Op: domain.OpEnsureStatus, Want: 1, Got: 1, Err: err}
	}
	return st, nil
}

// run 单机执行; ensure_status / get_status 走机器的收敛与查询逻辑,
// 其余名字按 provider 顺序分发
func (s *ActionService) run(ctx context.Context, m *power.Machine, action string, args []string, timeout time.Duration) domain.BatchResult {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := domain.BatchResult{MachineID: m.ID(), MachineName: m.Name()}
	switch action {
	case domain.OpEnsureStatus:
		target, err := targetOf(args)
		if err != nil {
			r.Err = err
			break
		}
		r.Status, r.Err = m.EnsureStatus(cctx, target)
		r.HasStatus = r.Err == nil
	case ActionCapture:
		if len(args) != 1 {
			r.Err = &power.ArgumentError{Op: action, Want: 1, Got: len(args)}
			break
		}
		res, err := m.Capture(cctx, args[0])
		r.Provider, r.Stdout, r.Stderr, r.ExitCode, r.Err = res.Provider, res.Stdout, res.Stderr, res.ExitCode, err
	case domain.OpGetStatus:
		if len(args) != 0 {
			r.Err = &power.ArgumentError{Op: action, Want: 0, Got: len(args)}
			break
		}
		r.Status, r.Err = m.GetStatus(cctx)
		r.HasStatus = r.Err == nil
	default:
		res, err := m.ExecuteAction(cctx, action, args)
		r.Provider, r.Status, r.HasStatus = res.Provider, res.Status, res.HasStatus
		r.Stdout, r.Stderr, r.Err = res.Stdout, res.Stderr, err
	}
	finish := time.Now()
	r.Duration = finish.Sub(start)

	if r.Err != nil {
		s.log.Warn("action failed", zap.String("machine", m.Name()), zap.String("action", action), zap.Error(r.Err))
	}
	// 读状态不记历史
	if s.hWriter != nil && action != domain.OpGetStatus {
		h := domain.ActionHistory{
			MachineID:   m.ID(),
			MachineName: m.Name(),
			Action:      action,
			Argument:    strings.Join(args, " "),
			Provider:    r.Provider,
			ErrorText:   errToString(r.Err),
			StartedAt:   start,
			FinishedAt:  finish,
			DurationMs:  r.Duration.Milliseconds(),
		}
		if r.HasStatus {
			h.Status = r.Status.Key()
		}
		s.hWriter.Write(h)
	}
	return r
}

func errToString(e error) string {
	if e == nil {
		return ""
	}
	return e.Error()
}

func (s *ActionService) validate(task *domain.BatchTask) error {
	if strings.TrimSpace(task.Action) == "" {
		return errors.New("action empty")
	}
	if len(task.MachineIDs) == 0 {
		return errors.New("no machines")
	}
	return nil
}

func (s *ActionService) taskTimeout(task domain.BatchTask) time.Duration {
	if task.Timeout > 0 {
		return time.Duration(task.Timeout) * time.Second
	}
	return s.timeout
}

func (s *ActionService) limit(task domain.BatchTask) int {
	if task.Parallel > 0 {
		return task.Parallel
	}
	return s.maxParallel
}

// BatchExec runs task on every machine and returns one result per requested
// id, in request order. The error combines the per-machine failures; results
// are complete either way.
func (s *ActionService) BatchExec(ctx context.Context, task domain.BatchTask) ([]domain.BatchResult, error) {
	byID, err := s.prepare(ctx, task)
	if err != nil {
		return nil, err
	}
	results := make([]domain.BatchResult, len(task.MachineIDs))
	err = s.stream(ctx, task, byID, func(i int, r domain.BatchResult) { results[i] = r })
	return results, err
}

// StreamExec 与 BatchExec 类似，但每个结果完成后通过回调立即返回。
// 回调串行调用, 需快速返回。
func (s *ActionService) StreamExec(ctx context.Context, task domain.BatchTask, cb func(domain.BatchResult)) error {
	byID, err := s.prepare(ctx, task)
	if err != nil {
		return err
	}
	return s.stream(ctx, task, byID, func(_ int, r domain.BatchResult) { cb(r) })
}

func (s *ActionService) prepare(ctx context.Context, task domain.BatchTask) (map[int64]*power.Machine, error) {
	if err := s.validate(&task); err != nil {
		return nil, err
	}
	machines, err := s.loader.Machines(ctx, task.MachineIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*power.Machine, len(machines))
	for _, m := range machines {
		byID[m.ID()] = m
	}
	return byID, nil
}

func (s *ActionService) stream(ctx context.Context, task domain.BatchTask, byID map[int64]*power.Machine, cb func(int, domain.BatchResult)) error {
	timeout := s.taskTimeout(task)
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	emit := func(i int, r domain.BatchResult) {
		mu.Lock()
		defer mu.Unlock()
		if r.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", machineLabel(r), r.Err))
		}
		cb(i, r)
	}
	if n := s.limit(task); n > 0 {
		g.SetLimit(n)
	}
	for i, id := range task.MachineIDs {
		m, ok := byID[id]
		if !ok {
			emit(i, domain.BatchResult{MachineID: id, Err: fmt.Errorf("machine %d: %w", id, repository.ErrNotFound)})
			continue
		}
		i := i
		g.Go(func() error {
			emit(i, s.run(ctx, m, task.Action, task.Args, timeout))
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func machineLabel(r domain.BatchResult) string {
	if r.MachineName != "" {
		return r.MachineName
	}
	return fmt.Sprintf("machine %d", r.MachineID)
}

// StartBatch 启动一个带 jobID 的流批执行，返回 jobID（若传入为空则自动生成）。
// done (可为 nil) 在任务结束后以合并错误调用。
func (s *ActionService) StartBatch(jobID string, task domain.BatchTask, cb func(domain.BatchResult), done func(error)) (string, error) {
	if err := s.validate(&task); err != nil {
		return "", err
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, dup := s.jobs[jobID]; dup {
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("job %s already running", jobID)
	}
	s.jobs[jobID] = cancel
	s.mu.Unlock()

	go func() {
		err := s.StreamExec(ctx, task, cb)
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
		cancel()
		s.log.Info("batch job finished", zap.String("job", jobID), zap.String("action", task.Action),
			zap.Int("machines", len(task.MachineIDs)), zap.Error(err))
		if done != nil {
			done(err)
		}
	}()
	return jobID, nil
}

// Cancel 取消指定 jobID
func (s *ActionService) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// HasJob 判断 job 是否仍在运行
func (s *ActionService) HasJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}
