// 包 timeline：解析 Google Timeline 导出文件并抽取访问（visit）记录
package timeline

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
)

// Export：导出文件顶层结构，仅解析本方案需要的 semanticSegments 字段
type Export struct {
	SemanticSegments []Segment `json:"semanticSegments"`
}

// Segment：单个语义片段；visit 为空表示移动片段等非访问类型
type Segment struct {
	StartTime string       `json:"startTime"`
	Visit     *VisitDetail `json:"visit"`
}

// VisitDetail：访问片段详情
// 约束：probability 使用指针以区分“字段缺失”与“显式为 0”，0 是合法值
type VisitDetail struct {
	Probability  *float64      `json:"probability"`
	TopCandidate *TopCandidate `json:"topCandidate"`
}

type TopCandidate struct {
	PlaceID       string      `json:"placeId"`
	PlaceLocation *PlacePoint `json:"placeLocation"`
}

type PlacePoint struct {
	LatLng string `json:"latLng"`
}

// Visit：抽取后的规整访问记录，供解析与入库使用
// 背景：PlaceID 为空串表示导出中无地点标识；此类记录仅按坐标反地理，不进入地点缓存
type Visit struct {
	StartTime   string
	Lat         float64
	Lng         float64
	Probability float64
	PlaceID     string
}

var ErrBadLatLng = errors.New("bad latlng")

// ParseLatLng：解析 "13.0378414°, 77.5758153°" 形式的坐标文本
// 背景：导出文件中的坐标为带度符号的文本；度符号可缺省
// 约束：必须恰好两个数值部分，任一部分非数值即返回 ErrBadLatLng
func ParseLatLng(s string) (float64, float64, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, "°", ""))
	if cleaned == "" {
		return 0, 0, ErrBadLatLng
	}
	parts := strings.Split(cleaned, ",")
	if len(parts) != 2 {
		return 0, 0, ErrBadLatLng
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, ErrBadLatLng
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, ErrBadLatLng
	}
	return lat, lng, nil
}

// ExtractVisit：从片段抽取访问记录；不合格片段返回 false 由调用方计数跳过
// 约束：要求 visit 存在、坐标可解析、probability 显式存在（0 合法）、startTime 非空
func ExtractVisit(seg Segment) (Visit, bool) {
	if seg.Visit == nil || seg.Visit.TopCandidate == nil || seg.Visit.TopCandidate.PlaceLocation == nil {
		return Visit{}, false
	}
	lat, lng, err := ParseLatLng(seg.Visit.TopCandidate.PlaceLocation.LatLng)
	if err != nil {
		return Visit{}, false
	}
	if seg.StartTime == "" {
		return Visit{}, false
	}
	if seg.Visit.Probability == nil {
		return Visit{}, false
	}
	return Visit{
		StartTime:   seg.StartTime,
		Lat:         lat,
		Lng:         lng,
		Probability: *seg.Visit.Probability,
		PlaceID:     seg.Visit.TopCandidate.PlaceID,
	}, true
}

// Load：读取并解析导出文件
// 背景：导出文件可达数百 MB，一次性读入由调用方决定；解析失败属启动期致命错误
func Load(path string) (*Export, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ex Export
	if err := json.Unmarshal(b, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}
