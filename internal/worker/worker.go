package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/logging"
)

const instrumentationName = "github.com/truvista/truvista-cache/internal/worker"

// DefaultMaxImageEntries 对应 MAX_IMAGE_CACHE_ITEMS。
const DefaultMaxImageEntries = 100

var (
	// ErrMailboxClosed 表示 Run 已退出，消息无法再投递。
	ErrMailboxClosed = errors.New("worker mailbox closed")
	// ErrInvalidState 表示生命周期调用顺序不合法，例如未安装就激活。
	ErrInvalidState = errors.New("invalid worker lifecycle transition")
)

// Names 是 worker 拥有的两个仓库名。
type Names struct {
	Assets string
	Images string
}

// Options 描述 New 所需的依赖。Storage、Client、Classifier 必填。
type Options struct {
	Logger     *logrus.Logger
	Storage    cache.Storage
	Client     *http.Client
	Classifier *classify.Classifier
	// Upstream 非空时，同源请求的 scheme+host 会被改写到该地址。
	Upstream        *url.URL
	Names           Names
	MaxImageEntries int
	Precache        []string
	// FetchTimeout 大于 0 时限制单次网络请求耗时；0 表示不额外限时。
	FetchTimeout   time.Duration
	MailboxSize    int
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Worker 是缓存 worker 本体，所有方法均可并发调用。
type Worker struct {
	logger     *logrus.Logger
	storage    cache.Storage
	client     *http.Client
	classifier *classify.Classifier
	upstream   *url.URL
	names      Names
	maxImages  int
	precache   []string
	timeout    time.Duration

	mu    sync.RWMutex
	state State

	mailbox chan envelope
	runOnce sync.Once
	done    chan struct{}

	fills singleflight.Group

	// trimMu 保护后台 Trim 计数；trimIdle 在计数从 0 变 1 时创建，归零时关闭。
	trimMu    sync.Mutex
	trimCount int
	trimIdle  chan struct{}

	metrics *instruments
	tracer  trace.Tracer
}

// New 校验依赖并构建处于 uninstalled 状态的 Worker。调用方随后需要
// 启动 Run，再依次调用 Install 与 Activate。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Client == nil {
		return nil, errors.New("worker: http client is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("worker: classifier is required")
	}
	if opts.Names.Assets == "" || opts.Names.Images == "" {
		return nil, errors.New("worker: store names are required")
	}
	if opts.Names.Assets == opts.Names.Images {
		return nil, errors.New("worker: assets and images stores must differ")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	maxImages := opts.MaxImageEntries
	if maxImages <= 0 {
		maxImages = DefaultMaxImageEntries
	}
	mailboxSize := opts.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	meterProvider := opts.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	tracerProvider := opts.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	metrics, err := newInstruments(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Worker{
		logger:     logger,
		storage:    opts.Storage,
		client:     opts.Client,
		classifier: opts.Classifier,
		upstream:   opts.Upstream,
		names:      opts.Names,
		maxImages:  maxImages,
		precache:   append([]string(nil), opts.Precache...),
		timeout:    opts.FetchTimeout,
		state:      StateUninstalled,
		mailbox:    make(chan envelope, mailboxSize),
		done:       make(chan struct{}),
		metrics:    metrics,
		tracer:     tracerProvider.Tracer(instrumentationName),
	}, nil
}

// Names 返回当前版本的仓库名。
func (w *Worker) Names() Names {
	return w.names
}

// MaxImageEntries 返回图片仓库容量。
func (w *Worker) MaxImageEntries() int {
	return w.maxImages
}

// Storage 返回 worker 使用的 Storage，页面侧只读访问同一份实例。
func (w *Worker) Storage() cache.Storage {
	return w.storage
}

// Classifier 返回请求分类器。
func (w *Worker) Classifier() *classify.Classifier {
	return w.classifier
}

// Wait 等待所有后台 Trim 结束，用于进程退出前收尾。等待期间新排入的 Trim
// 同样会被等待。
func (w *Worker) Wait(ctx context.Context) error {
	for {
		w.trimMu.Lock()
		idle := w.trimIdle
		w.trimMu.Unlock()
		if idle == nil {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) trimStarted() {
	w.trimMu.Lock()
	if w.trimCount == 0 {
		w.trimIdle = make(chan struct{})
	}
	w.trimCount++
	w.trimMu.Unlock()
}

func (w *Worker) trimFinished() {
	w.trimMu.Lock()
	w.trimCount--
	if w.trimCount == 0 {
		close(w.trimIdle)
		w.trimIdle = nil
	}
	w.trimMu.Unlock()
}
