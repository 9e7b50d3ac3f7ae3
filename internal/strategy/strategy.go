package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/logging"
)

// FetchOptions 描述附加到非导航请求上的网络参数。
type FetchOptions struct {
	Header http.Header
}

// Options 是所有策略共享的构造参数。
type Options struct {
	CacheName    string
	Plugins      []*Plugin
	FetchOptions FetchOptions
	MatchOptions cache.MatchOptions
	// NetworkTimeout 为 0 表示不设超时。
	NetworkTimeout time.Duration
	// IgnoreParamsOnUpdate 在查找旧响应（用于 CacheDidUpdate）时忽略的查询参数。
	IgnoreParamsOnUpdate []string

	Store   cache.Store
	Fetcher Fetcher
	Quota   *cache.QuotaCallbacks
	Logger  *logrus.Logger
}

// HandleOptions 是一次执行的输入，Plugins 追加在策略自带插件之后。
type HandleOptions struct {
	Request *http.Request
	Event   Event
	Params  any
	Plugins []*Plugin
}

// Handler 是路由可调用的请求处理器。
type Handler interface {
	Handle(ctx context.Context, opts HandleOptions) (*cache.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, opts HandleOptions) (*cache.Response, error)

// Handle makes HandlerFunc satisfy Handler.
func (f HandlerFunc) Handle(ctx context.Context, opts HandleOptions) (*cache.Response, error) {
	return f(ctx, opts)
}

// AllHandler 能够在响应就绪时先行返回，后台任务通过 Execution 继续追踪。
type AllHandler interface {
	HandleAll(ctx context.Context, opts HandleOptions) *Execution
}

// Strategy 是带缓存名称与插件列表的可执行策略。
type Strategy interface {
	Handler
	AllHandler
	Name() string
	CacheName() string
}

// Executor 由具体策略实现，描述如何产出响应。
type Executor interface {
	Execute(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error)
}

// Base 承载策略的公共配置，并负责驱动管线的完整生命周期。
type Base struct {
	name                 string
	cacheName            string
	plugins              []*Plugin
	fetchOptions         FetchOptions
	matchOptions         cache.MatchOptions
	ignoreParamsOnUpdate []string
	store                cache.Store
	writer               cache.Writer
	fetcher              Fetcher
	logger               *logrus.Logger
}

// NewBase 构造公共部分，Logger 为空时丢弃日志。
func NewBase(name string, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil, 0)
	}
	return &Base{
		name:                 name,
		cacheName:            opts.CacheName,
		plugins:              append([]*Plugin(nil), opts.Plugins...),
		fetchOptions:         opts.FetchOptions,
		matchOptions:         opts.MatchOptions,
		ignoreParamsOnUpdate: opts.IgnoreParamsOnUpdate,
		store:                opts.Store,
		writer:               cache.NewWriter(opts.Store, opts.Quota, logger),
		fetcher:              fetcher,
		logger:               logger,
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) CacheName() string { return b.cacheName }

// Plugins 返回策略自带的插件副本。
func (b *Base) Plugins() []*Plugin {
	return append([]*Plugin(nil), b.plugins...)
}

// Logger 返回策略使用的 logger。
func (b *Base) Logger() *logrus.Logger { return b.logger }

// Run 启动一次执行，立即返回 Execution；响应与后台任务分别通过其方法等待。
func (b *Base) Run(ctx context.Context, opts HandleOptions, exec Executor) *Execution {
	e := newExecution()
	if opts.Request == nil {
		err := errors.New("strategy: request is required")
		e.resolveResponse(nil, err)
		e.resolveDone(nil)
		return e
	}
	if opts.Event.Kind == "" {
		opts.Event.Kind = EventFetch
	}

	p := newPipeline(b, opts)
	go func() {
		resp, err := b.respondSafely(ctx, p, exec)
		e.resolveResponse(resp, err)
		e.resolveDone(b.completeSafely(context.WithoutCancel(ctx), p, resp, err))
	}()
	return e
}

// recovered 记录 panic 并把它转换为错误。
func (b *Base) recovered(stage string, v any) error {
	err := fmt.Errorf("strategy %s: panic in %s: %v", b.name, stage, v)
	b.logger.WithFields(logrus.Fields{
		"action":     "handle",
		"strategy":   b.name,
		"cache_name": b.cacheName,
		"stage":      stage,
	}).Error(err.Error())
	return err
}

func (b *Base) respondSafely(ctx context.Context, p *Pipeline, exec Executor) (resp *cache.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, b.recovered("respond", r)
		}
	}()
	return b.respond(ctx, p, exec)
}

func (b *Base) completeSafely(ctx context.Context, p *Pipeline, resp *cache.Response, respErr error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = b.recovered("complete", r)
		}
	}()
	return b.complete(ctx, p, resp, respErr)
}

// execute 调用具体策略，panic 转为错误后仍走 HandlerDidError。
func (b *Base) execute(ctx context.Context, p *Pipeline, exec Executor) (resp *cache.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, b.recovered("execute", r)
		}
	}()
	return exec.Execute(ctx, p.request, p)
}

// RunToCompletion 等待响应与全部后台任务。后台任务失败只记录日志，
// 返回值以响应结果为准。
func (b *Base) RunToCompletion(ctx context.Context, opts HandleOptions, exec Executor) (*cache.Response, error) {
	e := b.Run(ctx, opts, exec)
	resp, err := e.Response()
	if werr := e.Wait(); werr != nil {
		b.logger.WithFields(logrus.Fields{
			"action":     "handle",
			"strategy":   b.name,
			"cache_name": b.cacheName,
			"error":      werr,
		}).Warn("background_task_failed")
	}
	return resp, err
}

func (b *Base) respond(ctx context.Context, p *Pipeline, exec Executor) (*cache.Response, error) {
	_ = p.each(HookHandlerWillStart, func(plugin *Plugin, hc *HookContext) error {
		plugin.HandlerWillStart(ctx, hc)
		return nil
	})

	resp, err := b.execute(ctx, p, exec)
	if err == nil && resp == nil {
		err = gwerr.New(gwerr.CodeNoResponse, "url=%s", p.request.URL)
	}
	if err != nil {
		_ = p.each(HookHandlerDidError, func(plugin *Plugin, hc *HookContext) error {
			if substitute := plugin.HandlerDidError(ctx, hc, err); substitute != nil {
				resp = substitute
				return errStopIteration
			}
			return nil
		})
		if resp == nil {
			b.logger.WithFields(logrus.Fields{
				"action":   "handle",
				"strategy": b.name,
				"url":      p.request.URL.String(),
				"error":    err,
			}).Debug("strategy_failed")
			return nil, err
		}
		b.logger.WithFields(logrus.Fields{
			"action":   "handle",
			"strategy": b.name,
			"url":      p.request.URL.String(),
			"error":    err,
		}).Debug("strategy_error_recovered")
	}

	err = p.each(HookHandlerWillRespond, func(plugin *Plugin, hc *HookContext) error {
		next, herr := plugin.HandlerWillRespond(ctx, hc, resp)
		if herr != nil {
			return herr
		}
		if next != nil {
			resp = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *Base) complete(ctx context.Context, p *Pipeline, resp *cache.Response, respErr error) error {
	_ = p.each(HookHandlerDidRespond, func(plugin *Plugin, hc *HookContext) error {
		plugin.HandlerDidRespond(ctx, hc, resp)
		return nil
	})
	waitErr := p.DoneWaiting()

	terminal := respErr
	if terminal == nil {
		terminal = waitErr
	}
	_ = p.each(HookHandlerDidComplete, func(plugin *Plugin, hc *HookContext) error {
		plugin.HandlerDidComplete(ctx, hc, resp, terminal)
		return nil
	})
	return waitErr
}

var errStopIteration = errors.New("stop iteration")

// Execution 表示一次正在进行的策略执行。
type Execution struct {
	responseReady chan struct{}
	done          chan struct{}
	resp          *cache.Response
	respErr       error
	doneErr       error
}

func newExecution() *Execution {
	return &Execution{
		responseReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (e *Execution) resolveResponse(resp *cache.Response, err error) {
	e.resp, e.respErr = resp, err
	close(e.responseReady)
}

func (e *Execution) resolveDone(err error) {
	e.doneErr = err
	close(e.done)
}

// Response 阻塞直到响应就绪。
func (e *Execution) Response() (*cache.Response, error) {
	<-e.responseReady
	return e.resp, e.respErr
}

// ResponseReady 在响应就绪时关闭。
func (e *Execution) ResponseReady() <-chan struct{} { return e.responseReady }

// Done 在后台任务全部结束、HandlerDidComplete 执行完毕后关闭。
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait 阻塞直到 Done，返回后台任务的错误。
func (e *Execution) Wait() error {
	<-e.done
	return e.doneErr
}
