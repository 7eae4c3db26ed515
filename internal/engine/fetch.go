package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/server"
	"github.com/shelfquest/shelf-edge/internal/syncqueue"
)

// upstreamResponse 是一次回源的缓冲结果。正文整体读入内存后再决定
// 写缓存与应答，保证 put 失败不影响返回网络响应。
type upstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// fetch 向上游发起请求。timeout > 0 时在策略级超时内完成，否则依赖
// 共享客户端自身的超时。
func (e *Engine) fetch(ctx context.Context, req policy.Request, timeout time.Duration) (*upstreamResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &upstreamResponse{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// Replay 将写回队列条目重新提交上游，2xx 视为成功。供队列 Drain 使用。
func (e *Engine) Replay(ctx context.Context, item syncqueue.Item) error {
	var body io.Reader = http.NoBody
	if len(item.Payload) > 0 {
		body = bytes.NewReader(item.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return err
	}
	server.CopyHeaders(httpReq.Header, item.Header)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("replay rejected: status %d", resp.StatusCode)
	}
	e.metrics.SyncReplayed()
	return nil
}

// cachedEntry 是读完正文后的缓存命中结果。
type cachedEntry struct {
	entry cache.Entry
	body  []byte
}

// match 查找并读出缓存条目；存储故障与未命中统一返回 nil。
func (e *Engine) match(ctx context.Context, part cache.Partition, req policy.Request) *cachedEntry {
	if part == nil {
		return nil
	}

	result, err := part.Match(ctx, requestKey(req))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithFields(logrus.Fields{
				"action":    "cache_match",
				"partition": part.Name(),
			}).WithError(err).Warn("cache_match_failed")
		}
		return nil
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"action":    "cache_match",
			"partition": part.Name(),
		}).WithError(err).Warn("cache_read_failed")
		return nil
	}
	return &cachedEntry{entry: result.Entry, body: body}
}

// put 将回源成功的 200 响应写入分区并盖新鲜度戳；写失败只记日志，
// 不阻塞把网络响应返回给调用方。
func (e *Engine) put(ctx context.Context, part cache.Partition, req policy.Request, resp *upstreamResponse) {
	if part == nil || !isCacheableStatus(resp.Status) {
		return
	}

	_, err := part.Put(ctx, requestKey(req), cache.Response{
		Status: resp.Status,
		Header: resp.Header,
		Body:   bytes.NewReader(resp.Body),
	}, e.now())
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"action":    "cache_put",
			"partition": part.Name(),
		}).WithError(err).Warn("cache_put_failed")
	}
}

// requestKey 生成条目键：去除 fragment 的绝对 URL。只有 GET 会走到
// 缓存路径，方法固定为 GET。
func requestKey(req policy.Request) cache.Key {
	normalized := *req.URL
	normalized.Fragment = ""
	return cache.Key{
		Method: http.MethodGet,
		URL:    normalized.String(),
	}
}

func cachedResult(cached *cachedEntry, state string, decision policy.Decision) *Result {
	status := cached.entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	server.CopyHeaders(header, cached.entry.Header)
	header.Set("X-Shelf-Edge-Cache-Time", cached.entry.WrittenAt.UTC().Format(time.RFC3339))
	return &Result{
		Status:     status,
		Header:     header,
		Body:       cached.body,
		CacheState: state,
		Category:   decision.Strategy.Category,
		Mode:       decision.Strategy.Mode,
		Rule:       decision.Rule,
	}
}

func networkResult(resp *upstreamResponse, state string, decision policy.Decision) *Result {
	return &Result{
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
		CacheState: state,
		Category:   decision.Strategy.Category,
		Mode:       decision.Strategy.Mode,
		Rule:       decision.Rule,
	}
}

func offlineResult(decision policy.Decision) *Result {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Result{
		Status:     http.StatusServiceUnavailable,
		Header:     header,
		Body:       []byte(offlineBody),
		CacheState: StateOffline,
		Category:   decision.Strategy.Category,
		Mode:       decision.Strategy.Mode,
		Rule:       decision.Rule,
	}
}
