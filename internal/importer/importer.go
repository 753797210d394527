// 包 importer：批量导入编排。抽取 → 分批解析 → 引用校验 → 整体插入，
// 维护运行计数并保证插入前外键引用完整。
package importer

import (
	"context"
	"fmt"
	"time"

	"travelrecap/internal/geocode"
	"travelrecap/internal/logger"
	"travelrecap/internal/metrics"
	"travelrecap/internal/store"
	"travelrecap/internal/timeline"
)

// 抽取阶段进度提示间隔与干跑样例条数
const (
	extractProgressEvery = 10000
	dryRunSampleSize     = 5
)

// Options：单轮导入的运行参数
type Options struct {
	JSONFile    string
	DryRun      bool
	SkipGeocode bool
	BatchSize   int
}

// Counters：运行计数，随进度日志持续输出并在结束时汇总
type Counters struct {
	Segments  int
	Visits    int
	Skipped   int
	Geocoded  int
	FromCache int
	FromAPI   int
	Errors    int
}

// VisitStore：编排器的持久层依赖；由 store.Store 实现，测试中可替换
type VisitStore interface {
	VerifyTables(ctx context.Context) (int, error)
	CountPlaces(ctx context.Context) (int64, error)
	CountVisits(ctx context.Context) (int64, error)
	PlaceExists(ctx context.Context, placeID string) (bool, error)
	EnsureMinimalPlaces(ctx context.Context, missing []store.MissingPlace) error
	InsertVisits(ctx context.Context, visits []timeline.Visit) error
}

// PlaceLookup：地点缓存的只读视图，用于批内的先查缓存与干跑样例展示
type PlaceLookup interface {
	Lookup(ctx context.Context, placeID string) *store.PlaceLocation
}

// VisitResolver：坐标解析依赖；由 geocode.Resolver 实现
type VisitResolver interface {
	Resolve(ctx context.Context, lat, lng float64, placeID string) geocode.Record
}

// Importer：导入编排器；单轮生命周期，构造后调用一次 Run
type Importer struct {
	st       VisitStore
	places   PlaceLookup
	resolver VisitResolver
	opts     Options
}

func New(st VisitStore, places PlaceLookup, resolver VisitResolver, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Importer{st: st, places: places, resolver: resolver, opts: opts}
}

// Run：执行完整导入流程
// 约束：返回非 nil 错误的只有致命类——输入文件不可读/JSON 非法、持久层校验失败、
// 最终插入失败；单条反地理失败在批内恢复并计数，不中断运行
func (im *Importer) Run(ctx context.Context) (Counters, error) {
	l := logger.L()
	var c Counters
	start := time.Now()

	l.Info("import_begin", "file", im.opts.JSONFile, "dry_run", im.opts.DryRun, "skip_geocode", im.opts.SkipGeocode)
	ex, err := timeline.Load(im.opts.JSONFile)
	if err != nil {
		return c, fmt.Errorf("load timeline: %w", err)
	}
	l.Info("timeline_loaded", "segments", len(ex.SemanticSegments), "duration_s", time.Since(start).Seconds())

	visits := im.extract(ex, &c)

	if im.opts.SkipGeocode {
		l.Info("geocode_skipped")
	} else {
		im.resolveBatches(ctx, visits, &c)
	}

	if im.opts.DryRun {
		im.reportDryRun(ctx, visits, c)
		return c, nil
	}

	if n, err := im.st.VerifyTables(ctx); err != nil {
		return c, fmt.Errorf("verify tables: %w", err)
	} else if n < 2 {
		l.Warn("schema_uninitialized", "tables_found", n)
	} else {
		l.Info("tables_verified")
	}

	if err := im.reconcile(ctx, visits); err != nil {
		return c, err
	}

	l.Info("visits_insert_begin", "count", len(visits))
	insertStart := time.Now()
	if err := im.st.InsertVisits(ctx, visits); err != nil {
		l.Error("visits_insert_error", "err", err)
		return c, fmt.Errorf("insert visits: %w", err)
	}
	metrics.VisitsInsertedTotal.Add(float64(len(visits)))
	l.Info("visits_insert_done", "count", len(visits), "duration_s", time.Since(insertStart).Seconds())

	im.reportSummary(ctx, c, start)
	return c, nil
}

// extract：过滤语义片段为规整访问记录；不合格片段静默跳过并计数
func (im *Importer) extract(ex *timeline.Export, c *Counters) []timeline.Visit {
	l := logger.L()
	c.Segments = len(ex.SemanticSegments)
	var visits []timeline.Visit
	for i, seg := range ex.SemanticSegments {
		if v, ok := timeline.ExtractVisit(seg); ok {
			visits = append(visits, v)
		} else {
			c.Skipped++
		}
		if (i+1)%extractProgressEvery == 0 {
			l.Info("extract_progress", "segments", i+1, "visits", len(visits))
		}
	}
	c.Visits = len(visits)
	pct := 0.0
	if c.Segments > 0 {
		pct = float64(c.Skipped) / float64(c.Segments) * 100
	}
	l.Info("extract_done", "visits", c.Visits, "segments", c.Segments, "skipped", c.Skipped, "skipped_pct", pct)
	return visits
}

// resolveBatches：分批解析。每个访问先按 placeId 查两级缓存，未命中才走解析器；
// 批尾输出速率与整体 ETA
// 约束：地点行的持久化以单条 upsert 为边界（见 store），批检查点仅是进度标记
func (im *Importer) resolveBatches(ctx context.Context, visits []timeline.Visit, c *Counters) {
	l := logger.L()
	if pc, err := im.st.CountPlaces(ctx); err != nil {
		l.Warn("place_count_error", "err", err)
	} else {
		l.Info("place_cache_size", "places", pc)
	}
	bs := im.opts.BatchSize
	totalBatches := (len(visits) + bs - 1) / bs
	l.Info("resolve_begin", "visits", len(visits), "batch_size", bs, "batches", totalBatches)
	resolveStart := time.Now()

	for b := 0; b < totalBatches; b++ {
		lo := b * bs
		hi := lo + bs
		if hi > len(visits) {
			hi = len(visits)
		}
		batch := visits[lo:hi]
		batchStart := time.Now()
		batchCached, batchGeocoded, batchErrors := 0, 0, 0

		for _, v := range batch {
			if v.PlaceID != "" {
				if loc := im.places.Lookup(ctx, v.PlaceID); loc != nil {
					batchCached++
					c.FromCache++
					if loc.City != nil || loc.Country != nil {
						c.Geocoded++
					}
					continue
				}
			}
			rec := im.resolver.Resolve(ctx, v.Lat, v.Lng, v.PlaceID)
			if !rec.Empty() {
				batchGeocoded++
				c.FromAPI++
				c.Geocoded++
			} else {
				batchErrors++
				c.Errors++
			}
		}

		dur := time.Since(batchStart).Seconds()
		rate := 0.0
		if dur > 0 {
			rate = float64(len(batch)) / dur
		}
		l.Info("batch_done", "batch", b+1, "batches", totalBatches, "visits", len(batch),
			"cached", batchCached, "geocoded", batchGeocoded, "errors", batchErrors,
			"duration_s", dur, "rate", rate)
		processed := hi
		elapsed := time.Since(resolveStart).Seconds()
		if elapsed > 0 && processed < len(visits) {
			overall := float64(processed) / elapsed
			etaMin := float64(len(visits)-processed) / overall / 60
			l.Info("resolve_progress", "processed", processed, "total", len(visits),
				"from_cache", c.FromCache, "from_api", c.FromAPI, "errors", c.Errors, "eta_min", etaMin)
		}
		l.Debug("batch_checkpoint", "batch", b+1)
	}
	l.Info("resolve_done", "duration_s", time.Since(resolveStart).Seconds(),
		"from_cache", c.FromCache, "from_api", c.FromAPI, "errors", c.Errors)
}

// reconcile：引用校验。收集缺失地点主键（按首次出现去重）并一次性补建最小行，
// 保证插入阶段不产生孤儿外键
func (im *Importer) reconcile(ctx context.Context, visits []timeline.Visit) error {
	l := logger.L()
	l.Info("reconcile_begin")
	seen := make(map[string]bool)
	var missing []store.MissingPlace
	for _, v := range visits {
		if v.PlaceID == "" || seen[v.PlaceID] {
			continue
		}
		seen[v.PlaceID] = true
		exists, err := im.st.PlaceExists(ctx, v.PlaceID)
		if err != nil {
			return fmt.Errorf("check place %s: %w", v.PlaceID, err)
		}
		if !exists {
			missing = append(missing, store.MissingPlace{PlaceID: v.PlaceID, Lat: v.Lat, Lng: v.Lng})
		}
	}
	if len(missing) == 0 {
		l.Info("reconcile_done", "missing", 0)
		return nil
	}
	l.Warn("reconcile_missing_places", "count", len(missing))
	if err := im.st.EnsureMinimalPlaces(ctx, missing); err != nil {
		return fmt.Errorf("ensure minimal places: %w", err)
	}
	l.Info("reconcile_done", "missing", len(missing))
	return nil
}

// reportDryRun：干跑输出。打印样例与聚合计数，不做引用校验与插入
func (im *Importer) reportDryRun(ctx context.Context, visits []timeline.Visit, c Counters) {
	l := logger.L()
	n := dryRunSampleSize
	if n > len(visits) {
		n = len(visits)
	}
	for i := 0; i < n; i++ {
		v := visits[i]
		args := []any{"idx", i + 1, "start_time", v.StartTime, "lat", v.Lat, "lng", v.Lng,
			"probability", v.Probability, "place_id", v.PlaceID}
		if v.PlaceID != "" {
			if loc := im.places.Lookup(ctx, v.PlaceID); loc != nil {
				if loc.City != nil {
					args = append(args, "city", *loc.City)
				}
				if loc.Country != nil {
					args = append(args, "country", *loc.Country)
				}
			}
		}
		l.Info("dry_run_sample", args...)
	}
	if len(visits) > n {
		l.Info("dry_run_more", "remaining", len(visits)-n)
	}
	l.Info("dry_run_done", "visits", c.Visits, "skipped", c.Skipped,
		"geocoded", c.Geocoded, "from_cache", c.FromCache, "from_api", c.FromAPI, "errors", c.Errors)
}

// reportSummary：导入完成后的数据库侧汇总
func (im *Importer) reportSummary(ctx context.Context, c Counters, start time.Time) {
	l := logger.L()
	if n, err := im.st.CountVisits(ctx); err == nil {
		l.Info("visits_total", "count", n)
	}
	if n, err := im.st.CountPlaces(ctx); err == nil {
		l.Info("places_total", "count", n)
	}
	l.Info("import_done", "visits", c.Visits, "geocoded", c.Geocoded,
		"from_cache", c.FromCache, "from_api", c.FromAPI, "errors", c.Errors,
		"duration_s", time.Since(start).Seconds())
}
