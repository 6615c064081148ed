package arrival

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"labsched/internal/common"
)

// Handler 接收已校验的样品到达事件
type Handler func(ctx context.Context, sample common.Sample)

// Source 样品到达事件源，Run 阻塞直到 ctx 结束或源耗尽
type Source interface {
	Name() string
	Run(ctx context.Context, handle Handler) error
}

// message 入站消息格式
type message struct {
	SampleID       *string         `json:"sample_id"`
	SampleLocation json.RawMessage `json:"sample_location"`
}

// ParseBarcode 解析条码文本
func ParseBarcode(raw []byte) (common.Sample, error) {
	s := common.Sample{ID: strings.TrimSpace(string(raw))}
	if err := common.ValidateSample(s); err != nil {
		return common.Sample{}, fmt.Errorf("%w: %w", common.ErrMalformedArrival, err)
	}
	return s, nil
}

// ParseMessage 解析 {"sample_id": ..., "sample_location": ...} 消息，位置可以是字符串或数字
func ParseMessage(data []byte) (common.Sample, error) {
	var m message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return common.Sample{}, fmt.Errorf("%w: %w", common.ErrMalformedArrival, err)
	}
	if m.SampleID == nil {
		return common.Sample{}, fmt.Errorf("%w: missing sample_id", common.ErrMalformedArrival)
	}

	s := common.Sample{ID: strings.TrimSpace(*m.SampleID)}
	if loc := bytes.TrimSpace(m.SampleLocation); len(loc) > 0 && !bytes.Equal(loc, []byte("null")) {
		var str string
		var num json.Number
		switch {
		case json.Unmarshal(loc, &str) == nil:
			s.Location = strings.TrimSpace(str)
		case json.Unmarshal(loc, &num) == nil:
			s.Location = num.String()
		default:
			return common.Sample{}, fmt.Errorf("%w: sample_location must be a string or number", common.ErrMalformedArrival)
		}
	}

	if err := common.ValidateSample(s); err != nil {
		return common.Sample{}, fmt.Errorf("%w: %w", common.ErrMalformedArrival, err)
	}
	return s, nil
}

// Parse JSON 对象按消息解析，其余按条码解析
func Parse(data []byte) (common.Sample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseMessage(trimmed)
	}
	return ParseBarcode(trimmed)
}
