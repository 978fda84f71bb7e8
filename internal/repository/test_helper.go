package repository

import (
	"github.com/wfunc/pinball-machine/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB 为测试套件设置内存数据库
func SetupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	err = db.AutoMigrate(
		&models.EjectRecord{},
		&models.SearchRun{},
		&models.FaultLog{},
		&models.MachineEvent{},
	)
	if err != nil {
		panic(err)
	}
	return db
}
