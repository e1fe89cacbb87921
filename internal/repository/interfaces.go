package repository

import (
	"context"
	"time"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// MachineStore 抽象机器仓库
type MachineStore interface {
	Get(context.Context, int64) (domain.Machine, error)
	GetByName(context.Context, string) (domain.Machine, error)
	GetByIDs(context.Context, []int64) ([]domain.Machine, error)
	List(context.Context) ([]domain.Machine, error)
	Search(context.Context, string) ([]domain.Machine, error)
	Save(context.Context, *domain.Machine) error
	Delete(context.Context, int64) error
	CommitStatus(ctx context.Context, id int64, status domain.MachineStatus, at time.Time) error
	Hardware(context.Context, int64) (*domain.HardwareFeatures, error)
	SetHardware(context.Context, int64, *domain.HardwareFeatures) error
	Platforms(context.Context, int64) ([]domain.SoftwarePlatform, error)
	Platform(context.Context, int64) (domain.SoftwarePlatform, error)
	AddPlatform(ctx context.Context, machineID int64, p *domain.SoftwarePlatform, index int) error
	RemovePlatform(context.Context, int64) error
	MovePlatform(ctx context.Context, machineID int64, from, to int) error
	SaveGraph(context.Context, *domain.Machine, *domain.HardwareFeatures, []domain.SoftwarePlatform) error
}

// CredentialStore 抽象凭据仓库
type CredentialStore interface {
	Get(context.Context, int64) (domain.Credential, error)
	GetByName(context.Context, string) (domain.Credential, error)
	List(context.Context) ([]domain.Credential, error)
	Save(context.Context, *domain.Credential) error
	Delete(context.Context, int64) error
}

// OperationStore 抽象自定义操作仓库
type OperationStore interface {
	Get(context.Context, int64) (domain.CustomOperation, error)
	GetByName(context.Context, string) (domain.CustomOperation, error)
	List(context.Context) ([]domain.CustomOperation, error)
	ForMachine(context.Context, int64) ([]domain.CustomOperation, error)
	Save(context.Context, *domain.CustomOperation) error
	Delete(context.Context, int64) error
	Attach(ctx context.Context, machineID, operationID int64) error
	Detach(ctx context.Context, machineID, operationID int64) error
}

// HistoryStore 抽象历史仓库
type HistoryStore interface {
	Insert(context.Context, *domain.ActionHistory) error
	InsertBatch(context.Context, []*domain.ActionHistory) error
	ListRecent(context.Context, int) ([]domain.ActionHistory, error)
	ListFiltered(ctx context.Context, limit int, machine, actionLike string) ([]domain.ActionHistory, error)
	Cleanup(ctx context.Context, retentionDays, maxRows int) error
}

// 编译期断言本地实现满足接口
var _ MachineStore = (*MachineRepo)(nil)
var _ CredentialStore = (*CredentialRepo)(nil)
var _ OperationStore = (*OperationRepo)(nil)
var _ HistoryStore = (*HistoryRepo)(nil)
