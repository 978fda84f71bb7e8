package repository

import (
	"context"
	"time"

	"github.com/wfunc/pinball-machine/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EjectRecordRepository 弹射记录仓储接口
type EjectRecordRepository interface {
	BaseRepository
	Upsert(ctx context.Context, rec *models.EjectRecord) error
	FindByTransferID(ctx context.Context, id string) (*models.EjectRecord, error)
	List(ctx context.Context, pagination *Pagination) ([]*models.EjectRecord, error)
	FindBySource(ctx context.Context, source string, pagination *Pagination) ([]*models.EjectRecord, error)
	CountByResult(ctx context.Context, result models.EjectResult) (int64, error)
}

type ejectRecordRepo struct {
	*BaseRepo
}

// NewEjectRecordRepository 创建弹射记录仓储
func NewEjectRecordRepository(db *gorm.DB) EjectRecordRepository {
	return &ejectRecordRepo{BaseRepo: &BaseRepo{db: db}}
}

// Upsert 按TransferID写入或更新终局
func (r *ejectRecordRepo) Upsert(ctx context.Context, rec *models.EjectRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transfer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "result", "duration_ms", "updated_at"}),
	}).Create(rec).Error
}

// FindByTransferID 根据转移ID查找
func (r *ejectRecordRepo) FindByTransferID(ctx context.Context, id string) (*models.EjectRecord, error) {
	var rec models.EjectRecord
	err := r.db.WithContext(ctx).Where("transfer_id = ?", id).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List 分页列出弹射记录
func (r *ejectRecordRepo) List(ctx context.Context, pagination *Pagination) ([]*models.EjectRecord, error) {
	var recs []*models.EjectRecord
	query := r.db.WithContext(ctx).Model(&models.EjectRecord{})

	var total int64
	query.Count(&total)
	pagination.Total = total

	err := query.Scopes(Paginate(pagination)).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

// FindBySource 按源设备分页查找
func (r *ejectRecordRepo) FindBySource(ctx context.Context, source string, pagination *Pagination) ([]*models.EjectRecord, error) {
	var recs []*models.EjectRecord
	query := r.db.WithContext(ctx).Model(&models.EjectRecord{}).Where("source = ?", source)

	var total int64
	query.Count(&total)
	pagination.Total = total

	err := query.Scopes(Paginate(pagination)).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

// CountByResult 按结局统计
func (r *ejectRecordRepo) CountByResult(ctx context.Context, result models.EjectResult) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.EjectRecord{}).
		Where("result = ?", result).Count(&n).Error
	return n, err
}

// SearchRunRepository 找球记录仓储接口
type SearchRunRepository interface {
	BaseRepository
	Create(ctx context.Context, run *models.SearchRun) error
	Finish(ctx context.Context, id uint, iterations int, result models.SearchRunResult) error
	FindRecent(ctx context.Context, limit int) ([]*models.SearchRun, error)
}

type searchRunRepo struct {
	*BaseRepo
}

// NewSearchRunRepository 创建找球记录仓储
func NewSearchRunRepository(db *gorm.DB) SearchRunRepository {
	return &searchRunRepo{BaseRepo: &BaseRepo{db: db}}
}

// Create 找球开始时落一行
func (r *searchRunRepo) Create(ctx context.Context, run *models.SearchRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Finish 找球结束时补终局
func (r *searchRunRepo) Finish(ctx context.Context, id uint, iterations int, result models.SearchRunResult) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.SearchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"iterations": iterations,
			"result":     result,
			"ended_at":   &now,
		}).Error
}

// FindRecent 最近的找球记录
func (r *searchRunRepo) FindRecent(ctx context.Context, limit int) ([]*models.SearchRun, error) {
	var runs []*models.SearchRun
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// FaultLogRepository 故障记录仓储接口
type FaultLogRepository interface {
	BaseRepository
	Create(ctx context.Context, fault *models.FaultLog) error
	FindRecent(ctx context.Context, limit int) ([]*models.FaultLog, error)
	CleanupOldLogs(ctx context.Context, days int) error
}

type faultLogRepo struct {
	*BaseRepo
}

// NewFaultLogRepository 创建故障记录仓储
func NewFaultLogRepository(db *gorm.DB) FaultLogRepository {
	return &faultLogRepo{BaseRepo: &BaseRepo{db: db}}
}

// Create 创建故障记录
func (r *faultLogRepo) Create(ctx context.Context, fault *models.FaultLog) error {
	return r.db.WithContext(ctx).Create(fault).Error
}

// FindRecent 最近的故障记录
func (r *faultLogRepo) FindRecent(ctx context.Context, limit int) ([]*models.FaultLog, error) {
	var faults []*models.FaultLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&faults).Error
	return faults, err
}

// CleanupOldLogs 清理过期故障记录
func (r *faultLogRepo) CleanupOldLogs(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.FaultLog{}).Error
}

// MachineEventRepository 事件流水仓储接口
type MachineEventRepository interface {
	BaseRepository
	BatchCreate(ctx context.Context, events []*models.MachineEvent) error
	List(ctx context.Context, pagination *Pagination) ([]*models.MachineEvent, error)
	FindByDevice(ctx context.Context, device string, pagination *Pagination) ([]*models.MachineEvent, error)
	CleanupOldEvents(ctx context.Context, days int) error
}

type machineEventRepo struct {
	*BaseRepo
}

// NewMachineEventRepository 创建事件流水仓储
func NewMachineEventRepository(db *gorm.DB) MachineEventRepository {
	return &machineEventRepo{BaseRepo: &BaseRepo{db: db}}
}

// BatchCreate 批量写入事件
func (r *machineEventRepo) BatchCreate(ctx context.Context, events []*models.MachineEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(events, 100).Error
}

// List 分页列出事件流水
func (r *machineEventRepo) List(ctx context.Context, pagination *Pagination) ([]*models.MachineEvent, error) {
	var events []*models.MachineEvent
	query := r.db.WithContext(ctx).Model(&models.MachineEvent{})

	var total int64
	query.Count(&total)
	pagination.Total = total

	err := query.Scopes(Paginate(pagination)).
		Order("created_at DESC").
		Find(&events).Error
	return events, err
}

// FindByDevice 按设备分页查找
func (r *machineEventRepo) FindByDevice(ctx context.Context, device string, pagination *Pagination) ([]*models.MachineEvent, error) {
	var events []*models.MachineEvent
	query := r.db.WithContext(ctx).Model(&models.MachineEvent{}).Where("device = ?", device)

	var total int64
	query.Count(&total)
	pagination.Total = total

	err := query.Scopes(Paginate(pagination)).
		Order("created_at DESC").
		Find(&events).Error
	return events, err
}

// CleanupOldEvents 清理过期事件
func (r *machineEventRepo) CleanupOldEvents(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.MachineEvent{}).Error
}
