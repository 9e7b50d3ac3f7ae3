package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/logging"
)

// Status 报告平台层面的在线状态。
type Status interface {
	Online() bool
}

// StaticStatus 是固定值的 Status。
type StaticStatus bool

func (s StaticStatus) Online() bool { return bool(s) }

// ProbeOptions 控制周期性探测。
type ProbeOptions struct {
	// Target 是被 HEAD 探测的地址，通常为 origin 上的作用域根。
	Target   string
	Schedule string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *logrus.Logger
	// OnChange 在在线状态翻转时调用。
	OnChange func(online bool)
}

// Probe 按 cron 计划探测上游，未探测前视为在线。
type Probe struct {
	target   string
	timeout  time.Duration
	client   *http.Client
	logger   *logrus.Logger
	onChange func(bool)
	cron     *cron.Cron
	online   atomic.Bool
}

// NewProbe 校验计划表达式并构造探测器，Start 之前不会发起请求。
func NewProbe(opts ProbeOptions) (*Probe, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every 30s"
	}

	p := &Probe{
		target:   opts.Target,
		timeout:  timeout,
		client:   client,
		logger:   logger,
		onChange: opts.OnChange,
	}
	p.online.Store(true)
	p.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger})))
	if _, err := p.cron.AddFunc(schedule, func() { p.Check(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid probe schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Online 返回最近一次探测结果。
func (p *Probe) Online() bool {
	return p.online.Load()
}

// Start 启动计划任务。
func (p *Probe) Start() {
	p.cron.Start()
}

// Stop 停止计划任务并等待进行中的探测结束。
func (p *Probe) Stop(ctx context.Context) error {
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check 立即探测一次并更新状态；任何 HTTP 响应都视为在线。
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = true
		}
	}

	if old := p.online.Swap(online); old != online {
		fields := logrus.Fields{"action": "connectivity_probe", "target": p.target, "online": online}
		if err != nil {
			fields["error"] = err
		}
		p.logger.WithFields(fields).Warn("connectivity_changed")
		if p.onChange != nil {
			p.onChange(online)
		}
	}
	return online
}

// cronLogger 把 cron 的日志接口转到 logrus。
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{"action": "connectivity_probe"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}
