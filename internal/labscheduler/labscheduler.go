package labscheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"labsched/internal/arrival"
	"labsched/internal/common"
	"labsched/internal/dispatcher"
	"labsched/internal/notify"
	"labsched/internal/resourcepool"
	"labsched/internal/server"
	"labsched/internal/stage"
	"labsched/internal/workflow"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultShutdownTimeout 停止时等待在途工作流的时间
const defaultShutdownTimeout = 30 * time.Second

// LabScheduler 由配置装配的调度器：资源池、工序、调度器、通知、HTTP 服务与到达源
type LabScheduler struct {
	config *common.Config
	logger *zap.Logger

	clock           quartz.Clock
	registry        *prometheus.Registry
	console         io.Writer
	extraSources    []arrival.Source
	shutdownTimeout time.Duration

	metrics    *common.Metrics
	pool       *resourcepool.Pool
	sink       *notify.Sink
	runner     *stage.Runner
	dispatcher *dispatcher.Dispatcher
	server     *server.HTTPServer
}

// Option 装配选项
type Option func(*LabScheduler)

// WithClock 指定工序使用的时钟
func WithClock(c quartz.Clock) Option {
	return func(l *LabScheduler) { l.clock = c }
}

// WithLogger 指定日志
func WithLogger(logger *zap.Logger) Option {
	return func(l *LabScheduler) { l.logger = logger }
}

// WithRegistry 指定指标注册表
func WithRegistry(reg *prometheus.Registry) Option {
	return func(l *LabScheduler) { l.registry = reg }
}

// WithConsole 控制台订阅者的输出，默认 os.Stdout
func WithConsole(w io.Writer) Option {
	return func(l *LabScheduler) { l.console = w }
}

// WithSources 追加到达源
func WithSources(sources ...arrival.Source) Option {
	return func(l *LabScheduler) { l.extraSources = append(l.extraSources, sources...) }
}

// WithShutdownTimeout 停止时等待在途工作流的时间
func WithShutdownTimeout(d time.Duration) Option {
	return func(l *LabScheduler) { l.shutdownTimeout = d }
}

// New 根据配置创建调度器
func New(config *common.Config, opts ...Option) (*LabScheduler, error) {
	if config == nil {
		config = common.GetDefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &LabScheduler{
		config:          config,
		logger:          common.ComponentLogger("labscheduler"),
		clock:           quartz.NewReal(),
		console:         os.Stdout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.metrics = common.NewMetrics(l.registry)

	pool, err := resourcepool.New(config.Resources,
		resourcepool.WithLogger(l.logger.Named("pool")),
		resourcepool.WithMetrics(l.metrics))
	if err != nil {
		return nil, err
	}
	l.pool = pool

	l.sink = notify.NewSink(config.Notify.SendTimeout, l.logger.Named("notify"), l.metrics)
	if config.Notify.Console && l.console != nil {
		l.sink.Subscribe(notify.NewConsoleSubscriber(l.console))
	}

	l.runner = stage.NewRunner(l.clock, stage.ConfigFromCommon(config.Stages), config.Stages.TimeUnit,
		l.sink, l.logger.Named("stage"), l.metrics)

	l.dispatcher = dispatcher.New(l.pool, l.runner, dispatcher.Config{
		HistorySize:  config.Dispatcher.HistorySize,
		OnTransition: l.logTransition,
	}, l.logger.Named("dispatcher"), l.metrics)

	if config.Server.Enabled {
		metricsPath := ""
		if config.Metrics.Enabled {
			metricsPath = config.Metrics.Path
		}
		l.server = server.NewHTTPServer(server.Config{
			Address:        config.Server.Addr(),
			MetricsPath:    metricsPath,
			OriginPatterns: config.Server.OriginPatterns,
		}, l.dispatcher, l.pool, l.sink, l.metrics, l.logger.Named("http"))
	}

	l.logger.Info("Lab scheduler created",
		zap.Int("robots", len(config.Resources[common.CategoryRobot])),
		zap.Int("stores", len(config.Resources[common.CategoryStore])),
		zap.Int("instruments", len(config.Resources[common.CategoryInstrument])),
		zap.Duration("time_unit", config.Stages.TimeUnit))
	return l, nil
}

// Pool 资源池
func (l *LabScheduler) Pool() *resourcepool.Pool { return l.pool }

// Dispatcher 调度器
func (l *LabScheduler) Dispatcher() *dispatcher.Dispatcher { return l.dispatcher }

// Sink 通知扇出器
func (l *LabScheduler) Sink() *notify.Sink { return l.sink }

// Metrics 指标
func (l *LabScheduler) Metrics() *common.Metrics { return l.metrics }

// RunBatch 批处理模式；samples 为空时使用配置中的批次
func (l *LabScheduler) RunBatch(ctx context.Context, samples []common.Sample) ([]workflow.Info, error) {
	if len(samples) == 0 {
		samples = l.config.BatchSamples()
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples to process", common.ErrInvalidParameter)
	}
	return l.dispatcher.RunBatch(ctx, samples)
}

// Serve 流式模式：运行 HTTP 服务与全部到达源直到 ctx 结束，然后等待在途工作流
func (l *LabScheduler) Serve(ctx context.Context) error {
	sources, closers, err := l.buildSources()
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if l.server != nil {
		if err := l.server.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return l.server.Stop(stopCtx)
			case err, ok := <-l.server.Err():
				if ok {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			}
		})
	}

	for _, src := range sources {
		g.Go(func() error {
			l.logger.Info("Arrival source started", zap.String("source", src.Name()))
			if err := src.Run(gctx, l.handleArrival); err != nil {
				return fmt.Errorf("%s source: %w", src.Name(), err)
			}
			l.logger.Info("Arrival source stopped", zap.String("source", src.Name()))
			return nil
		})
	}

	if l.server == nil && len(sources) == 0 {
		l.logger.Warn("No server or arrival sources enabled, nothing to serve")
	}

	runErr := g.Wait()
	if runErr != nil {
		l.logger.Error("Serving stopped with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()
	if err := l.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown 停止接收样品并等待在途工作流
func (l *LabScheduler) Shutdown(ctx context.Context) error {
	err := l.dispatcher.Shutdown(ctx)
	if checkErr := l.pool.Check(); checkErr != nil {
		l.logger.Error("Resource pool inconsistent after shutdown", zap.Error(checkErr))
	}
	return err
}

// buildSources 按配置创建到达源
func (l *LabScheduler) buildSources() ([]arrival.Source, []io.Closer, error) {
	var (
		sources []arrival.Source
		closers []io.Closer
	)
	if l.config.Barcode.Enabled {
		dev, err := arrival.OpenBarcodeDevice(l.config.Barcode.Device)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, dev)
		sources = append(sources, arrival.NewBarcodeSource(dev, l.config.Barcode.Delimiter,
			l.logger.Named("barcode"), l.metrics))
	}
	if l.config.Kafka.Enabled {
		src, err := arrival.NewKafkaSource(l.config.Kafka, l.logger.Named("kafka"), l.metrics)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		sources = append(sources, src)
	}
	if l.config.Watch.Enabled {
		sources = append(sources, arrival.NewWatchSource(l.config.Watch.Directory, l.logger.Named("watch"), l.metrics))
	}
	sources = append(sources, l.extraSources...)
	return sources, closers, nil
}

// handleArrival 到达的样品交给调度器
func (l *LabScheduler) handleArrival(_ context.Context, sample common.Sample) {
	if _, err := l.dispatcher.Submit(sample); err != nil {
		l.logger.Warn("Arrival rejected", zap.String("sample_id", sample.ID), zap.Error(err))
	}
}

func (l *LabScheduler) logTransition(w *workflow.Workflow, from, to workflow.State) {
	l.logger.Debug("Workflow state changed",
		zap.String("workflow_id", w.ID()),
		zap.String("sample_id", w.Sample().ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}
