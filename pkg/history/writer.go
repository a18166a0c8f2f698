package history

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Write 创建一个新的历史库文件 (发布端使用)
func Write(path, repo string, tags []Tag) error {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to create history: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if err := db.AutoMigrate(&tagRow{}, &propertyRow{}); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		props := []propertyRow{
			{Key: "schema", Value: schemaVersion},
			{Key: "fqrn", Value: repo},
		}
		if err := tx.Create(&props).Error; err != nil {
			return err
		}
		for _, t := range tags {
			row := tagRow{
				Name:        t.Name,
				Hash:        t.Root.String(),
				Revision:    int64(t.Revision),
				Timestamp:   t.Timestamp.Unix(),
				Channel:     t.Channel,
				Description: t.Description,
				Size:        t.Size,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to write tag %s: %w", t.Name, err)
			}
		}
		return nil
	})
}
