package geocode

import (
	"context"
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	"travelrecap/internal/logger"
	"travelrecap/internal/metrics"
)

// 外部调用的最小间隔：常规 1s，重试场景放宽到 3s（公共 Nominatim 实例的使用政策）
const (
	normalInterval = 1 * time.Second
	retryInterval  = 3 * time.Second
)

// Provider：外部反地理数据源；(nil, nil) 表示调用成功但无结果
type Provider interface {
	Reverse(ctx context.Context, lat, lng float64, lang string) (*ReverseResponse, error)
}

// 坐标缓存键：四舍五入到 1e-5 度（约 1 米），同键坐标视为同一地点
type coordKey struct {
	lat float64
	lng float64
}

func roundCoord(v float64) float64 { return math.Round(v*1e5) / 1e5 }

// Resolver：带缓存回退的反地理解析器
// 背景：地点缓存优先，其次坐标缓存，最后才发起限速的外部调用；负结果同样缓存，
// 保证同一坐标单轮内至多一次外部调用
// 约束：Resolve 从不返回错误——失败一律退化为全空记录；provider 为 nil 时禁用外部调用；
// 单轮导入内无并发访问，lastCall 时间戳不加锁
type Resolver struct {
	places     *PlaceCache
	provider   Provider
	lang       string
	maxRetries int
	coords     map[coordKey]Record
	lastCall   time.Time

	// 测试注入点；默认指向 time 包
	now   func() time.Time
	sleep func(time.Duration)
}

// NewResolver：构造解析器；重试上限与语言可由环境变量覆盖
func NewResolver(places *PlaceCache, provider Provider) *Resolver {
	lang := os.Getenv("NOMINATIM_LANG")
	if lang == "" {
		lang = "en"
	}
	maxRetries := 2
	if v := os.Getenv("GEOCODE_MAX_RETRIES"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n >= 0 {
			maxRetries = n
		}
	}
	return &Resolver{
		places:     places,
		provider:   provider,
		lang:       lang,
		maxRetries: maxRetries,
		coords:     make(map[coordKey]Record),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Resolve：解析单个坐标的描述性信息
// 顺序：placeId 两级缓存 → 坐标缓存（命中时机会性回填地点表）→ 外部调用
// 约束：总是返回记录（可能全空）；有 placeId 且最终无可用结果时写入最小行以满足外键
func (r *Resolver) Resolve(ctx context.Context, lat, lng float64, placeID string) Record {
	if placeID != "" {
		if loc := r.places.Lookup(ctx, placeID); loc != nil {
			return Record{City: loc.City, State: loc.State, Country: loc.Country, Address: loc.Address}
		}
	}
	if r.provider == nil {
		return Record{}
	}

	key := coordKey{lat: roundCoord(lat), lng: roundCoord(lng)}
	if rec, ok := r.coords[key]; ok {
		metrics.CoordCacheHitsTotal.Inc()
		logger.L().Debug("coord_cache_hit", "lat", lat, "lng", lng)
		r.backfill(ctx, placeID, lat, lng, rec)
		return rec
	}

	logger.L().Info("geocode_api_call", "lat", lat, "lng", lng)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		r.throttle(attempt)
		resp, err := r.provider.Reverse(ctx, lat, lng, r.lang)
		if err == nil {
			r.lastCall = r.now()
			if resp == nil {
				break
			}
			rec := recordFromResponse(resp)
			if rec.Empty() {
				break
			}
			r.coords[key] = rec
			r.backfill(ctx, placeID, lat, lng, rec)
			return rec
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
			if attempt < r.maxRetries {
				wait := time.Duration(1<<uint(attempt)) * 2 * time.Second
				logger.L().Warn("geocode_retry", "lat", lat, "lng", lng,
					"attempt", attempt+1, "max", r.maxRetries+1, "wait_s", wait.Seconds())
				r.sleep(wait)
				continue
			}
			logger.L().Error("geocode_exhausted", "lat", lat, "lng", lng, "attempts", r.maxRetries+1, "err", err)
			r.lastCall = r.now()
			break
		}
		logger.L().Error("geocode_error", "lat", lat, "lng", lng, "err", err)
		r.lastCall = r.now()
		break
	}

	// 负结果缓存：同一坐标单轮内不再外呼；最小行保证外键引用成立
	rec := Record{}
	r.coords[key] = rec
	if placeID != "" {
		r.places.UpsertMinimal(ctx, placeID, lat, lng)
	}
	return rec
}

// throttle：阻塞直到距上次外部调用满足最小间隔
func (r *Resolver) throttle(attempt int) {
	if r.lastCall.IsZero() {
		return
	}
	wait := normalInterval
	if attempt > 0 {
		wait = retryInterval
	}
	if elapsed := r.now().Sub(r.lastCall); elapsed < wait {
		r.sleep(wait - elapsed)
	}
}

// backfill：机会性回填。坐标缓存或新结果命中且携带 placeId 时写入地点缓存，
// 统一在此处理避免各调用点重复该规则
func (r *Resolver) backfill(ctx context.Context, placeID string, lat, lng float64, rec Record) {
	if placeID == "" || rec.Empty() {
		return
	}
	r.places.Upsert(ctx, placeID, lat, lng, rec)
}

// recordFromResponse：响应映射为描述记录；城市取 city/town/village/hamlet 首个非空
func recordFromResponse(resp *ReverseResponse) Record {
	var rec Record
	if city := firstNonEmpty(resp.Address.City, resp.Address.Town, resp.Address.Village, resp.Address.Hamlet); city != "" {
		rec.City = &city
	}
	if resp.Address.State != "" {
		s := resp.Address.State
		rec.State = &s
	}
	if resp.Address.Country != "" {
		s := resp.Address.Country
		rec.Country = &s
	}
	if resp.DisplayName != "" {
		s := resp.DisplayName
		rec.Address = &s
	}
	return rec
}
