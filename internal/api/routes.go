// 包 api：集中注册只读 HTTP 路由以解耦主入口；前端地图页通过这里读取地点与统计
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"travelrecap/internal/logger"
	"travelrecap/internal/metrics"
	"travelrecap/internal/store"
)

// 地点列表的 Redis 响应缓存有效期；导入结束后至多延迟该时长可见
const placeCacheTTL = 5 * time.Minute

// placeView：对外返回的地点结构，仅含前端需要的字段
type placeView struct {
	PlaceID string  `json:"place_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	City    *string `json:"city"`
	State   *string `json:"state"`
	Country *string `json:"country"`
	Address *string `json:"address"`
}

// cors：为只读接口放开跨域；前端开发服与后端不同源
func cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// 构建并返回 API 路由：独立 ServeMux 便于在主入口挂载到 /api 前缀
// 约束：rc 为 nil 时直连数据库；Redis 仅作响应缓存，不承载一致性语义
func BuildRoutes(st *store.Store, rc *redis.Client) *http.ServeMux {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("/place-locations", cors(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("content-type", "application/json; charset=utf-8")
		if rc != nil {
			if s, _ := rc.Get(ctx, "place_locations:all").Result(); s != "" {
				metrics.RedisHitsTotal.Inc()
				_, _ = w.Write([]byte(s))
				return
			}
			metrics.RedisMissesTotal.Inc()
		}
		locs, err := st.ListPlaceLocations(ctx)
		if err != nil {
			logger.L().Error("place_list_error", "err", err)
			http.Error(w, "database query error", http.StatusInternalServerError)
			return
		}
		views := make([]placeView, 0, len(locs))
		for _, l := range locs {
			views = append(views, placeView{
				PlaceID: l.PlaceID, Lat: l.Lat, Lng: l.Lng,
				City: l.City, State: l.State, Country: l.Country, Address: l.Address,
			})
		}
		b, err := json.Marshal(views)
		if err != nil {
			http.Error(w, "encode error", http.StatusInternalServerError)
			return
		}
		if rc != nil {
			rc.Set(ctx, "place_locations:all", string(b), placeCacheTTL)
		}
		_, _ = w.Write(b)
	}))

	apiMux.HandleFunc("/stats", cors(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		visits, _ := st.CountVisits(ctx)
		places, _ := st.CountPlaces(ctx)
		m := map[string]any{"visits": visits, "places": places}
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_ = json.NewEncoder(w).Encode(m)
	}))

	return apiMux
}
