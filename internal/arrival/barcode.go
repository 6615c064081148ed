package arrival

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"labsched/internal/common"

	"go.uber.org/zap"
)

// BarcodeSource 从串口等字节流读取条码，条码之间以分隔符结束
type BarcodeSource struct {
	r         io.Reader
	delimiter []byte
	logger    *zap.Logger
	metrics   *common.Metrics
}

// NewBarcodeSource 创建条码源；delimiter 为空时使用 "\r"
func NewBarcodeSource(r io.Reader, delimiter string, logger *zap.Logger, metrics *common.Metrics) *BarcodeSource {
	if delimiter == "" {
		delimiter = "\r"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BarcodeSource{
		r:         r,
		delimiter: []byte(delimiter),
		logger:    logger,
		metrics:   metrics,
	}
}

// OpenBarcodeDevice 打开扫描器设备文件，波特率等串口参数需在系统侧预先设置
func OpenBarcodeDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open barcode device %s: %w", path, err)
	}
	return f, nil
}

func (b *BarcodeSource) Name() string { return "barcode" }

// Run 逐条读取条码直到 EOF 或 ctx 结束；ctx 结束时若 reader 可关闭则关闭以解除阻塞读
func (b *BarcodeSource) Run(ctx context.Context, handle Handler) error {
	if c, ok := b.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	scanner := newRecordScanner(b.r, b.delimiter, false,
		func(n int) {
			b.metrics.ArrivalReceived(b.Name(), "malformed")
			b.logger.Warn("Discarding overlong barcode", zap.Int("bytes", n))
		},
		func(tail []byte) {
			b.logger.Warn("Discarding incomplete barcode at end of stream", zap.ByteString("raw", tail))
		})
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		sample, err := ParseBarcode(raw)
		if err != nil {
			b.metrics.ArrivalReceived(b.Name(), "malformed")
			b.logger.Warn("Discarding malformed barcode",
				zap.ByteString("raw", raw),
				zap.Error(err))
			continue
		}
		b.metrics.ArrivalReceived(b.Name(), "accepted")
		b.logger.Info("Barcode read", zap.String("sample_id", sample.ID))
		handle(ctx, sample)
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("read barcodes: %w", err)
	}
	return nil
}
