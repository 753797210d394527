// 包 geocode：反地理核心。两级地点缓存（内存 map + place_locations 表）、
// 坐标负/正结果缓存，以及带限速与重试的外部解析器。
package geocode

import (
	"context"
	"time"

	"travelrecap/internal/logger"
	"travelrecap/internal/metrics"
	"travelrecap/internal/store"
)

// Record：一次反地理的描述性结果；字段指针为空表示无该信息
type Record struct {
	City    *string
	State   *string
	Country *string
	Address *string
}

// Empty：是否无任何可用描述字段；全空结果仍会被负缓存与最小行持久化
func (r Record) Empty() bool {
	return r.City == nil && r.State == nil && r.Country == nil && r.Address == nil
}

// PlaceStore：地点缓存的持久层依赖；由 store.Store 实现，测试中可替换
type PlaceStore interface {
	GetPlaceLocation(ctx context.Context, placeID string) (*store.PlaceLocation, error)
	UpsertPlaceLocation(ctx context.Context, placeID string, lat, lng float64, city, state, country, address *string) error
	UpsertPlaceLocationMinimal(ctx context.Context, placeID string, lat, lng float64) error
}

// PlaceCache：以 placeId 为键的两级地点缓存
// 背景：同一地点在导出中反复出现，内存 map 避免重复查库，持久表避免跨轮次重复调用外部接口
// 约束：单轮导入内无并发访问，不加锁；本类型独占 place_locations 的全部读写
type PlaceCache struct {
	store PlaceStore
	mem   map[string]*store.PlaceLocation
}

func NewPlaceCache(st PlaceStore) *PlaceCache {
	return &PlaceCache{store: st, mem: make(map[string]*store.PlaceLocation)}
}

// Lookup：两级查找。内存命中最快，其次查表并回填内存；均未命中返回 nil
// 约束：本方法只读，绝不触发外部反地理调用
func (c *PlaceCache) Lookup(ctx context.Context, placeID string) *store.PlaceLocation {
	if placeID == "" || c.store == nil {
		return nil
	}
	if loc, ok := c.mem[placeID]; ok {
		metrics.PlaceCacheHitsTotal.WithLabelValues("memory").Inc()
		return loc
	}
	loc, err := c.store.GetPlaceLocation(ctx, placeID)
	if err != nil {
		logger.L().Warn("place_query_error", "place_id", placeID, "err", err)
		return nil
	}
	if loc == nil {
		logger.L().Debug("place_cache_miss", "place_id", placeID)
		return nil
	}
	c.mem[placeID] = loc
	metrics.PlaceCacheHitsTotal.WithLabelValues("db").Inc()
	logger.L().Debug("place_cache_db_hit", "place_id", placeID)
	return loc
}

// Upsert：写入完整地点行并同步内存
// 约束：持久化失败仅记录日志不中断导入；内存仍更新，避免同轮对同键反复失败写库，
// 代价是该行在下次成功写入前不保证落盘
func (c *PlaceCache) Upsert(ctx context.Context, placeID string, lat, lng float64, rec Record) {
	if placeID == "" || c.store == nil {
		return
	}
	if err := c.store.UpsertPlaceLocation(ctx, placeID, lat, lng, rec.City, rec.State, rec.Country, rec.Address); err != nil {
		logger.L().Error("place_save_error", "place_id", placeID, "err", err)
	} else {
		metrics.PlaceUpsertsTotal.WithLabelValues("full").Inc()
	}
	c.mem[placeID] = &store.PlaceLocation{
		PlaceID:    placeID,
		Lat:        lat,
		Lng:        lng,
		City:       rec.City,
		State:      rec.State,
		Country:    rec.Country,
		Address:    rec.Address,
		GeocodedAt: time.Now(),
	}
}

// UpsertMinimal：写入仅含坐标的最小行并同步内存
// 背景：反地理无结果或失败时仍需主键存在以满足外键；最小行是合法终态
func (c *PlaceCache) UpsertMinimal(ctx context.Context, placeID string, lat, lng float64) {
	if placeID == "" || c.store == nil {
		return
	}
	if err := c.store.UpsertPlaceLocationMinimal(ctx, placeID, lat, lng); err != nil {
		logger.L().Error("place_save_minimal_error", "place_id", placeID, "err", err)
	} else {
		metrics.PlaceUpsertsTotal.WithLabelValues("minimal").Inc()
	}
	c.mem[placeID] = &store.PlaceLocation{
		PlaceID:    placeID,
		Lat:        lat,
		Lng:        lng,
		GeocodedAt: time.Now(),
	}
}
