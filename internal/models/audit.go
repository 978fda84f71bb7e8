package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// JSONData 用于存储JSON格式的数据
type JSONData map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONData) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONData) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// EjectResult 弹射结局
type EjectResult string

const (
	EjectResultSuccess EjectResult = "SUCCESS" // 确认成功
	EjectResultLost    EjectResult = "LOST"    // 重试耗尽，球移交找球
	EjectResultBroken  EjectResult = "BROKEN"  // 机构无法出球
)

// EjectRecord 弹射记录，每个Transfer一行
type EjectRecord struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TransferID string      `gorm:"type:varchar(36);uniqueIndex;not null" json:"transfer_id"`
	Source     string      `gorm:"type:varchar(64);index;not null" json:"source"`
	Target     string      `gorm:"type:varchar(64);index" json:"target"`
	Attempts   int         `gorm:"default:1" json:"attempts"`
	Result     EjectResult `gorm:"type:varchar(16);index" json:"result"`

	// 从点火到终局的耗时，毫秒
	DurationMs int64 `gorm:"default:0" json:"duration_ms"`
}

// SearchRunResult 找球结局
type SearchRunResult string

const (
	SearchRunResolved  SearchRunResult = "RESOLVED"  // 台面恢复活动
	SearchRunExhausted SearchRunResult = "EXHAUSTED" // 轮数耗尽
)

// SearchRun 一次找球流程
type SearchRun struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	BallsInPlay int             `gorm:"default:0" json:"balls_in_play"`
	Iterations  int             `gorm:"default:0" json:"iterations"`
	Result      SearchRunResult `gorm:"type:varchar(16);index" json:"result"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

// FaultLog 机台故障记录
type FaultLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Code    int    `gorm:"index" json:"code"`
	Device  string `gorm:"type:varchar(64);index" json:"device"`
	Message string `gorm:"type:varchar(255)" json:"message"`
	Details string `gorm:"type:text" json:"details,omitempty"`
}

// MachineEvent 机台事件流水，用于调试回放
type MachineEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Type   string   `gorm:"type:varchar(32);index;not null" json:"type"`
	Device string   `gorm:"type:varchar(64);index" json:"device"`
	Data   JSONData `gorm:"type:json" json:"data,omitempty"`
}

// TableName 指定表名
func (MachineEvent) TableName() string {
	return "machine_events"
}
