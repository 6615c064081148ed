package arrival

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"labsched/internal/common"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSource 监听投递目录，每个文件每行一个到达记录（条码或 JSON 消息），文件处理完后删除。
// 写入方应先写隐藏的临时文件再重命名。
type WatchSource struct {
	dir     string
	logger  *zap.Logger
	metrics *common.Metrics
}

// NewWatchSource 创建目录监听源
func NewWatchSource(dir string, logger *zap.Logger, metrics *common.Metrics) *WatchSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatchSource{
		dir:     dir,
		logger:  logger.With(zap.String("directory", dir)),
		metrics: metrics,
	}
}

func (w *WatchSource) Name() string { return "watch" }

// Run 先处理目录中已存在的文件，然后处理新建或写入的文件
func (w *WatchSource) Run(ctx context.Context, handle Handler) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching for sample arrival files")

	if err := w.scan(ctx, handle); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.processFile(ctx, ev.Name, handle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// scan 按文件名顺序处理已有文件
func (w *WatchSource) scan(ctx context.Context, handle Handler) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read watch directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		w.processFile(ctx, filepath.Join(w.dir, name), handle)
	}
	return nil
}

func (w *WatchSource) processFile(ctx context.Context, path string, handle Handler) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("Failed to read arrival file", zap.String("file", path), zap.Error(err))
		}
		return
	}
	// 空文件等待后续的写事件
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	scanner := newRecordScanner(bytes.NewReader(data), []byte("\n"), true,
		func(n int) {
			w.metrics.ArrivalReceived(w.Name(), "malformed")
			w.logger.Warn("Discarding overlong arrival line",
				zap.String("file", path),
				zap.Int("bytes", n))
		}, nil)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		sample, err := Parse(line)
		if err != nil {
			w.metrics.ArrivalReceived(w.Name(), "malformed")
			w.logger.Warn("Discarding malformed arrival line",
				zap.String("file", path),
				zap.ByteString("line", line),
				zap.Error(err))
			continue
		}
		w.metrics.ArrivalReceived(w.Name(), "accepted")
		handle(ctx, sample)
	}
	if err := scanner.Err(); err != nil {
		w.logger.Error("Failed to scan arrival file", zap.String("file", path), zap.Error(err))
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("Failed to remove arrival file", zap.String("file", path), zap.Error(err))
	}
}
