package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"travelrecap/internal/logger"
	"travelrecap/internal/metrics"
)

// 失败分类：限速重试逻辑按类别匹配，而非捕获宽泛异常
// 约束：ErrTimeout/ErrUnavailable 可重试；ErrService 与其余错误立即放弃本次解析
var (
	ErrTimeout     = errors.New("nominatim timeout")
	ErrUnavailable = errors.New("nominatim unavailable")
	ErrService     = errors.New("nominatim service error")
)

// 文档注释：Nominatim /reverse 响应结构
// 背景：对齐 jsonv2 格式的返回字段，仅解析本方案需要的行政区划与格式化地址；
// city/town/village/hamlet 互斥出现，取首个非空作为城市
// 约束：海面等无法反解的坐标返回 200 且携带 error 字段，按“无结果”处理而非错误
type ReverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		Hamlet  string `json:"hamlet"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

// Client：Nominatim REST 客户端
// 背景：公共实例按使用政策要求必须携带可识别的 User-Agent，并遵守 1 req/s 限速（由解析器控制）
type Client struct {
	base      string
	userAgent string
	client    *http.Client
}

// NewClientFromEnv：从环境变量构造客户端
// 约束：NOMINATIM_BASE_URL 可指向自建实例；超时默认 10s
func NewClientFromEnv() *Client {
	base := os.Getenv("NOMINATIM_BASE_URL")
	if base == "" {
		base = "https://nominatim.openstreetmap.org"
	}
	timeout := 10
	if v := os.Getenv("NOMINATIM_TIMEOUT_S"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n > 0 {
			timeout = n
		}
	}
	return &Client{
		base:      base,
		userAgent: "travelrecap-visit-importer",
		client:    &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

// 文档注释：反地理查询单个坐标（REST）
// 为什么：导入阶段调用外部数据源补充城市/国家信息；与缓存层解耦，本函数不做限速与重试
// 参数：lang 控制返回语言（Accept-Language 等价参数），导入器默认 en
// 返回：无结果时返回 (nil, nil)；错误按 ErrTimeout/ErrUnavailable/ErrService 分类供上层匹配
func (c *Client) Reverse(ctx context.Context, lat, lng float64, lang string) (*ReverseResponse, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	if lang != "" {
		q.Set("accept-language", lang)
	}
	u := c.base + "/reverse?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	t0 := time.Now()
	metrics.NominatimRequestsTotal.Inc()
	logger.L().Debug("nominatim_req", "lat", lat, "lng", lng)
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.NominatimFailTotal.Inc()
		if isTimeout(err) {
			logger.L().Warn("nominatim_timeout", "lat", lat, "lng", lng, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		logger.L().Warn("nominatim_http_error", "lat", lat, "lng", lng, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		metrics.NominatimFailTotal.Inc()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		metrics.NominatimFailTotal.Inc()
		return nil, fmt.Errorf("%w: status %d", ErrService, resp.StatusCode)
	}
	var r ReverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		metrics.NominatimFailTotal.Inc()
		return nil, fmt.Errorf("%w: decode: %v", ErrService, err)
	}
	dur := time.Since(t0).Milliseconds()
	metrics.NominatimDurationMs.Observe(float64(dur))
	metrics.NominatimSuccessTotal.Inc()
	if r.Error != "" {
		logger.L().Debug("nominatim_no_result", "lat", lat, "lng", lng, "duration_ms", dur)
		return nil, nil
	}
	logger.L().Debug("nominatim_resp", "lat", lat, "lng", lng,
		"city", firstNonEmpty(r.Address.City, r.Address.Town, r.Address.Village, r.Address.Hamlet),
		"country", r.Address.Country, "duration_ms", dur)
	return &r, nil
}

// isTimeout：网络层超时判定；上下文超时同样视为可重试的超时类
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
