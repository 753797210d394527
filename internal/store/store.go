// 包 store: 提供与 PostgreSQL 的数据访问层，包含地点缓存表与访问记录表的读写
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"travelrecap/internal/logger"
	"travelrecap/internal/timeline"
)

// 单条批量插入语句承载的最大行数；超过后切分为多条语句在同一事务内执行
const insertPageSize = 1000

// Store: 数据库访问入口，持有连接池并提供地点/访问记录接口
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Open: 使用 DSN 打开数据库连接并配置连接池参数
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	return &Store{db: db}, nil
}

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// PlaceLocation: 地点缓存行结构
// 约束：描述性字段以指针表达可空；全空指针的行是“已尝试反地理但无结果”的合法终态
type PlaceLocation struct {
	PlaceID    string
	Lat        float64
	Lng        float64
	City       *string
	State      *string
	Country    *string
	Address    *string
	GeocodedAt time.Time
}

// GetPlaceLocation: 按主键读取地点缓存行；未命中返回 nil 而非错误
func (s *Store) GetPlaceLocation(ctx context.Context, placeID string) (*PlaceLocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT lat, lng, city, state, country, address, geocoded_at
        FROM place_locations
        WHERE place_id = $1`, placeID)
	loc := PlaceLocation{PlaceID: placeID}
	err := row.Scan(&loc.Lat, &loc.Lng, &loc.City, &loc.State, &loc.Country, &loc.Address, &loc.GeocodedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// UpsertPlaceLocation: 写入完整地点缓存行，同键冲突时整行覆盖（last-write-wins）
// 背景：database/sql 的单条 Exec 自动提交，每次 upsert 即一个持久化边界，批内失败仅丢单行
func (s *Store) UpsertPlaceLocation(ctx context.Context, placeID string, lat, lng float64, city, state, country, address *string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO place_locations (
            place_id, lat, lng, city, state, country, address, geocoded_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, now())
        ON CONFLICT (place_id)
        DO UPDATE SET
            lat = EXCLUDED.lat,
            lng = EXCLUDED.lng,
            city = EXCLUDED.city,
            state = EXCLUDED.state,
            country = EXCLUDED.country,
            address = EXCLUDED.address,
            geocoded_at = EXCLUDED.geocoded_at,
            updated_at = now()`,
		placeID, lat, lng, city, state, country, address,
	)
	return err
}

// UpsertPlaceLocationMinimal: 写入仅含坐标的最小地点行
// 背景：反地理失败或无结果时仍需该主键存在，以满足 visits.place_id 的外键约束
func (s *Store) UpsertPlaceLocationMinimal(ctx context.Context, placeID string, lat, lng float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO place_locations (
            place_id, lat, lng, city, state, country, address, geocoded_at
        )
        VALUES ($1, $2, $3, NULL, NULL, NULL, NULL, now())
        ON CONFLICT (place_id)
        DO UPDATE SET
            lat = EXCLUDED.lat,
            lng = EXCLUDED.lng,
            updated_at = now()`,
		placeID, lat, lng,
	)
	return err
}

// PlaceExists: 判断地点主键是否已有缓存行，用于插入前的引用校验
func (s *Store) PlaceExists(ctx context.Context, placeID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM place_locations WHERE place_id = $1", placeID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MissingPlace: 引用校验发现的缺失地点，携带首次出现处的坐标
type MissingPlace struct {
	PlaceID string
	Lat     float64
	Lng     float64
}

// EnsureMinimalPlaces: 为缺失地点批量补建最小行
// 约束：使用 DO NOTHING 避免覆盖并发期间已写入的完整行；调用方负责去重
func (s *Store) EnsureMinimalPlaces(ctx context.Context, missing []MissingPlace) error {
	for _, m := range missing {
		_, err := s.db.ExecContext(ctx, `INSERT INTO place_locations (
                place_id, lat, lng, city, state, country, address, geocoded_at
            )
            VALUES ($1, $2, $3, NULL, NULL, NULL, NULL, now())
            ON CONFLICT (place_id) DO NOTHING`,
			m.PlaceID, m.Lat, m.Lng,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertVisits: 批量插入访问记录，单事务提交
// 背景：与地点缓存的逐条持久化不同，访问记录要求全有或全无；失败整体回滚并上抛
// 约束：每条语句最多承载 insertPageSize 行，避免超出参数上限
func (s *Store) InsertVisits(ctx context.Context, visits []timeline.Visit) error {
	if len(visits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for start := 0; start < len(visits); start += insertPageSize {
		end := start + insertPageSize
		if end > len(visits) {
			end = len(visits)
		}
		page := visits[start:end]
		var sb strings.Builder
		sb.WriteString("INSERT INTO visits (start_time, lat, lng, probability, place_id) VALUES ")
		args := make([]interface{}, 0, len(page)*5)
		for i, v := range page {
			if i > 0 {
				sb.WriteString(",")
			}
			base := i * 5
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
			var placeID interface{}
			if v.PlaceID != "" {
				placeID = v.PlaceID
			}
			args = append(args, v.StartTime, v.Lat, v.Lng, v.Probability, placeID)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			_ = tx.Rollback()
			return err
		}
		logger.L().Debug("visits_insert_page", "rows", len(page), "offset", start)
	}
	return tx.Commit()
}

// CountPlaces: 地点缓存总行数，用于启动提示与导入摘要
func (s *Store) CountPlaces(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM place_locations").Scan(&n)
	return n, err
}

// CountVisits: 访问记录总行数
func (s *Store) CountVisits(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM visits").Scan(&n)
	return n, err
}

// VerifyTables: 检查两张目标表是否已由外部初始化，返回存在的表数量
func (s *Store) VerifyTables(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('visits', 'place_locations')").Scan(&n)
	return n, err
}

// ListPlaceLocations: 按主键序返回全部地点缓存行，供只读接口使用
func (s *Store) ListPlaceLocations(ctx context.Context) ([]PlaceLocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT place_id, lat, lng, city, state, country, address, geocoded_at
        FROM place_locations
        ORDER BY place_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlaceLocation
	for rows.Next() {
		var loc PlaceLocation
		if err := rows.Scan(&loc.PlaceID, &loc.Lat, &loc.Lng, &loc.City, &loc.State, &loc.Country, &loc.Address, &loc.GeocodedAt); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}
