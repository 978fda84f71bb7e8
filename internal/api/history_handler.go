package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/pinball-machine/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HistoryHandler 历史记录查询处理器
type HistoryHandler struct {
	ejects   repository.EjectRecordRepository
	searches repository.SearchRunRepository
	faults   repository.FaultLogRepository
	events   repository.MachineEventRepository
	log      *zap.Logger
}

// NewHistoryHandler 创建历史记录处理器
func NewHistoryHandler(db *gorm.DB, log *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		ejects:   repository.NewEjectRecordRepository(db),
		searches: repository.NewSearchRunRepository(db),
		faults:   repository.NewFaultLogRepository(db),
		events:   repository.NewMachineEventRepository(db),
		log:      log,
	}
}

// pageOf 从查询参数解析分页
func pageOf(c *gin.Context) *repository.Pagination {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return repository.NewPagination(page, size)
}

// limitOf 从查询参数解析条数上限
func limitOf(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

// GetEjects 弹射历史，支持source过滤
func (h *HistoryHandler) GetEjects(c *gin.Context) {
	pagination := pageOf(c)
	ctx := c.Request.Context()

	var (
		recs interface{}
		err  error
	)
	if source := c.Query("source"); source != "" {
		recs, err = h.ejects.FindBySource(ctx, source, pagination)
	} else {
		recs, err = h.ejects.List(ctx, pagination)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{"items": recs, "pagination": pagination})
}

// GetSearches 找球历史
func (h *HistoryHandler) GetSearches(c *gin.Context) {
	runs, err := h.searches.FindRecent(c.Request.Context(), limitOf(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, runs)
}

// GetFaults 故障历史
func (h *HistoryHandler) GetFaults(c *gin.Context) {
	faults, err := h.faults.FindRecent(c.Request.Context(), limitOf(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, faults)
}

// GetEvents 事件流水，支持device过滤
func (h *HistoryHandler) GetEvents(c *gin.Context) {
	pagination := pageOf(c)
	ctx := c.Request.Context()

	var (
		events interface{}
		err    error
	)
	if device := c.Query("device"); device != "" {
		events, err = h.events.FindByDevice(ctx, device, pagination)
	} else {
		events, err = h.events.List(ctx, pagination)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{"items": events, "pagination": pagination})
}
