package repository

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/pinball-machine/internal/machine"
	"github.com/wfunc/pinball-machine/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuditRecorder 把机台事件落进审计库
//
// Notify在机台锁内被调用，必须立即返回：事件进有界队列，由单独
// 的写入协程批量落库。队列满时丢弃并计数，绝不阻塞机台。
type AuditRecorder struct {
	ejects EjectRecordRepository
	runs   SearchRunRepository
	faults FaultLogRepository
	events MachineEventRepository
	logger *zap.Logger

	ch      chan machine.Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64

	// 进行中的找球记录ID，只有写入协程访问
	openRun uint
}

// NewAuditRecorder 创建审计记录器并启动写入协程
func NewAuditRecorder(db *gorm.DB, logger *zap.Logger) *AuditRecorder {
	r := &AuditRecorder{
		ejects: NewEjectRecordRepository(db),
		runs:   NewSearchRunRepository(db),
		faults: NewFaultLogRepository(db),
		events: NewMachineEventRepository(db),
		logger: logger.With(zap.String("module", "audit")),
		ch:     make(chan machine.Event, 256),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Notify 实现machine.Notifier
func (r *AuditRecorder) Notify(event machine.Event) {
	select {
	case r.ch <- event:
	default:
		r.dropped++
	}
}

// Close 停止写入协程并等待队列排空
func (r *AuditRecorder) Close() {
	close(r.done)
	r.wg.Wait()
	if r.dropped > 0 {
		r.logger.Warn("审计队列曾经溢出", zap.Uint64("dropped", r.dropped))
	}
}

func (r *AuditRecorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.ch:
			r.record(ev)
		case <-r.done:
			// 排空剩余事件
			for {
				select {
				case ev := <-r.ch:
					r.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *AuditRecorder) record(ev machine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.events.BatchCreate(ctx, []*models.MachineEvent{{
		CreatedAt: ev.Timestamp,
		Type:      string(ev.Type),
		Device:    ev.Device,
		Data:      models.JSONData(ev.Data),
	}}); err != nil {
		r.logger.Error("事件流水写入失败", zap.Error(err))
	}

	switch ev.Type {
	case machine.EventEjectSuccess:
		r.recordEject(ctx, ev, models.EjectResultSuccess)
	case machine.EventBallLost:
		if _, ok := ev.Data["transfer"]; ok {
			r.recordEject(ctx, ev, models.EjectResultLost)
		}
	case machine.EventDeviceBroken:
		r.recordEject(ctx, ev, models.EjectResultBroken)

	case machine.EventSearchStarted:
		run := &models.SearchRun{
			CreatedAt:   ev.Timestamp,
			BallsInPlay: intField(ev.Data, "balls_in_play"),
		}
		if err := r.runs.Create(ctx, run); err != nil {
			r.logger.Error("找球记录写入失败", zap.Error(err))
			return
		}
		r.openRun = run.ID
	case machine.EventSearchStopped:
		r.finishRun(ctx, ev, models.SearchRunResolved)
	case machine.EventSearchExhausted:
		r.finishRun(ctx, ev, models.SearchRunExhausted)

	case machine.EventMachineFault, machine.EventDeviceStalled:
		fault := &models.FaultLog{
			CreatedAt: ev.Timestamp,
			Device:    ev.Device,
			Message:   string(ev.Type),
		}
		if msg, ok := ev.Data["error"].(string); ok {
			fault.Details = msg
		}
		if err := r.faults.Create(ctx, fault); err != nil {
			r.logger.Error("故障记录写入失败", zap.Error(err))
		}
	}
}

func (r *AuditRecorder) recordEject(ctx context.Context, ev machine.Event, result models.EjectResult) {
	id, ok := ev.Data["transfer"].(string)
	if !ok {
		return
	}
	target, _ := ev.Data["target"].(string)
	rec := &models.EjectRecord{
		CreatedAt:  ev.Timestamp,
		TransferID: id,
		Source:     ev.Device,
		Target:     target,
		Attempts:   intField(ev.Data, "attempts"),
		Result:     result,
	}
	if err := r.ejects.Upsert(ctx, rec); err != nil {
		r.logger.Error("弹射记录写入失败", zap.Error(err))
	}
}

func (r *AuditRecorder) finishRun(ctx context.Context, ev machine.Event, result models.SearchRunResult) {
	if r.openRun == 0 {
		return
	}
	iterations := 0
	if n := intField(ev.Data, "iteration"); n > 0 {
		iterations = n
	} else {
		iterations = intField(ev.Data, "iterations")
	}
	if err := r.runs.Finish(ctx, r.openRun, iterations, result); err != nil {
		r.logger.Error("找球记录收尾失败", zap.Error(err))
	}
	r.openRun = 0
}

func intField(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
