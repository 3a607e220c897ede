// Package shape 通过 HTTP 长轮询读取 shape 日志（electric 协议）
package shape

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "sync"
    "time"

    "github.com/goccy/go-json"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/retry"
    "github.com/xzhHas/botflow/internal/stream"
    "github.com/xzhHas/botflow/types"
)

const (
    HeaderHandle   = "electric-handle"
    HeaderOffset   = "electric-offset"
    HeaderCursor   = "electric-cursor"
    HeaderUpToDate = "electric-up-to-date"
)

// Client 实现 stream.ChangeStream
type Client struct {
    url     string
    headers map[string]string
    http    *http.Client
    policy  retry.Policy
    log     *zap.Logger
}

func New(cfg types.ShapeConfig, log *zap.Logger) *Client {
    if log == nil {
        log = zap.NewNop()
    }
    timeout := cfg.PollTimeout
    if timeout <= 0 {
        timeout = 60 * time.Second
    }
    return &Client{
        url:     cfg.URL,
        headers: cfg.Headers,
        http:    &http.Client{Timeout: timeout},
        policy:  retry.Policy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2},
        log:     log.With(zap.String("service", "ShapeClient")),
    }
}

// SetHTTPClient 替换底层 http.Client
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// SetRetryPolicy 设置单次拉取失败时的重试策略
func (c *Client) SetRetryPolicy(p retry.Policy) { c.policy = p }

// Subscribe 发起首个请求，成功后返回订阅；首批消息留在缓冲里
func (c *Client) Subscribe(ctx context.Context, cfg types.ShapeSubscriptionConfig) (stream.Subscription, error) {
    if c.url == "" {
        return nil, errors.New("shape url is empty")
    }
    sctx, cancel := context.WithCancel(context.Background())
    s := &subscription{
        client: c,
        cfg:    cfg,
        ctx:    sctx,
        cancel: cancel,
        log:    c.log.With(zap.String("table", cfg.Table)),
    }
    s.reset()
    msgs, err := s.fetch(ctx)
    if err != nil {
        cancel()
        return nil, err
    }
    s.pending = msgs
    return s, nil
}

type subscription struct {
    client *Client
    cfg    types.ShapeSubscriptionConfig
    log    *zap.Logger

    ctx       context.Context
    cancel    context.CancelFunc
    closeOnce sync.Once

    handle  string
    offset  string
    cursor  string
    live    bool
    pending []stream.ChangeMessage
}

func (s *subscription) reset() {
    s.handle = ""
    s.cursor = ""
    s.live = false
    if s.cfg.StartFromNow {
        s.offset = "now"
    } else {
        s.offset = "-1"
    }
}

func (s *subscription) Next(ctx context.Context) (stream.ChangeMessage, error) {
    for {
        if len(s.pending) > 0 {
            m := s.pending[0]
            s.pending = s.pending[1:]
            return m, nil
        }
        if s.ctx.Err() != nil {
            return stream.ChangeMessage{}, types.ErrSubscriptionClosed
        }
        var msgs []stream.ChangeMessage
        rctx, cancel := context.WithCancel(ctx)
        stop := context.AfterFunc(s.ctx, cancel)
        err := retry.Do(rctx, s.client.policy, func(ctx context.Context, attempt int) error {
            var err error
            msgs, err = s.fetch(ctx)
            return err
        }, func(attempt int, err error) {
            s.log.Debug("shape fetch failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
        })
        stop()
        cancel()
        if err != nil {
            if s.ctx.Err() != nil {
                return stream.ChangeMessage{}, types.ErrSubscriptionClosed
            }
            return stream.ChangeMessage{}, err
        }
        s.pending = msgs
    }
}

func (s *subscription) Close() error {
    s.closeOnce.Do(s.cancel)
    return nil
}

func (s *subscription) query() url.Values {
    q := url.Values{}
    q.Set("table", s.cfg.Table)
    if s.cfg.Where != "" {
        q.Set("where", s.cfg.Where)
    }
    if len(s.cfg.Columns) > 0 {
        q.Set("columns", strings.Join(s.cfg.Columns, ","))
    }
    q.Set("offset", s.offset)
    if s.handle != "" {
        q.Set("handle", s.handle)
    }
    if s.live {
        q.Set("live", "true")
        if s.cursor != "" {
            q.Set("cursor", s.cursor)
        }
    }
    return q
}

func (s *subscription) fetch(ctx context.Context) ([]stream.ChangeMessage, error) {
    ctx, cancel := context.WithCancel(ctx)
    defer cancel()
    stop := context.AfterFunc(s.ctx, cancel)
    defer stop()

    u, err := url.Parse(s.client.url)
    if err != nil {
        return nil, err
    }
    q := u.Query()
    for k, v := range s.query() {
        q[k] = v
    }
    u.RawQuery = q.Encode()
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
    if err != nil {
        return nil, err
    }
    for k, v := range s.client.headers {
        req.Header.Set(k, v)
    }
    resp, err := s.client.http.Do(req)
    if err != nil {
        return nil, err
    }
    defer resp.Body.Close()
    body, err := io.ReadAll(resp.Body)
    if err != nil {
        return nil, err
    }

    switch {
    case resp.StatusCode == http.StatusConflict:
        s.log.Info("shape must refetch", zap.String("handle", s.handle))
        s.reset()
        if h := resp.Header.Get(HeaderHandle); h != "" {
            s.handle = h
        }
        return []stream.ChangeMessage{{Headers: stream.Headers{Control: stream.ControlMustRefetch}}}, nil
    case resp.StatusCode == http.StatusNoContent:
        s.advance(resp.Header)
        return nil, nil
    case resp.StatusCode < 200 || resp.StatusCode > 299:
        return nil, fmt.Errorf("shape %s: unexpected status %d: %s", s.cfg.Table, resp.StatusCode, strings.TrimSpace(string(body)))
    }

    var msgs []stream.ChangeMessage
    if len(body) > 0 {
        if err := json.Unmarshal(body, &msgs); err != nil {
            return nil, fmt.Errorf("shape %s: decode body: %w", s.cfg.Table, err)
        }
    }
    s.advance(resp.Header)
    for _, m := range msgs {
        switch m.Headers.Control {
        case stream.ControlUpToDate:
            s.live = true
        case stream.ControlMustRefetch:
            s.reset()
        }
    }
    return msgs, nil
}

func (s *subscription) advance(h http.Header) {
    if v := h.Get(HeaderHandle); v != "" {
        s.handle = v
    }
    if v := h.Get(HeaderOffset); v != "" {
        s.offset = v
    }
    if v := h.Get(HeaderCursor); v != "" {
        s.cursor = v
    }
    if _, ok := h[http.CanonicalHeaderKey(HeaderUpToDate)]; ok {
        s.live = true
    }
}
