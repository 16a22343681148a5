package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/pkg/logger"
)

// Event 是一条告警事件。
type Event struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// Notifier 把告警事件送往外部通道。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NoopNotifier 丢弃所有告警，用于关闭告警的部署。
type NoopNotifier struct{}

// Notify 实现 Notifier。
func (NoopNotifier) Notify(context.Context, Event) error { return nil }

// WebhookNotifier 以 JSON POST 投递告警。
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 告警通道。
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify 实现 Notifier。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化告警事件失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造告警请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "投递告警失败", xerrors.WithAlert(false))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeUnknown, "告警通道返回 "+resp.Status, xerrors.WithAlert(false))
	}
	return nil
}

// NotifyError 按错误属性决定是否告警。不需要告警的错误直接忽略,
// 告警投递失败只记日志，永不影响主流程。
func NotifyError(ctx context.Context, notifier Notifier, err error, metadata map[string]string) {
	if err == nil || notifier == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := Event{
		Code:       string(xerrors.CodeOf(err)),
		Message:    err.Error(),
		Severity:   string(xerrors.SeverityOf(err)),
		Metadata:   metadata,
		OccurredAt: time.Now().UnixMilli(),
	}
	if nerr := notifier.Notify(ctx, event); nerr != nil {
		logger.L().Error("告警投递失败", "code", event.Code, "error", nerr)
	}
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = NoopNotifier{}
)
