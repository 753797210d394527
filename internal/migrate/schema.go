package migrate

import (
	"database/sql"

	"travelrecap/internal/logger"
)

// 背景：服务端首次运行自动创建地点缓存表与访问记录表，保障导入与查询可用
// 约束：使用 IF NOT EXISTS 避免与既有 schema.sql 初始化冲突；仅创建最小必需结构
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS place_locations (
            place_id TEXT PRIMARY KEY,
            lat DOUBLE PRECISION NOT NULL,
            lng DOUBLE PRECISION NOT NULL,
            city TEXT,
            state TEXT,
            country TEXT,
            address TEXT,
            geocoded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE TABLE IF NOT EXISTS visits (
            id SERIAL PRIMARY KEY,
            start_time TEXT NOT NULL,
            lat DOUBLE PRECISION NOT NULL,
            lng DOUBLE PRECISION NOT NULL,
            probability DOUBLE PRECISION NOT NULL,
            place_id TEXT REFERENCES place_locations(place_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_visits_place_id ON visits(place_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_start_time ON visits(start_time)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
