package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/policy"
)

// Lifecycle 把宿主环境的 install/activate 事件映射为显式方法：
// Install 预取关键路径资产进 static 分区，Activate 触发版本清理后
// 立即对外服务（对应 skipWaiting + clients.claim 语义）。
type Lifecycle struct {
	Store    cache.Store
	Client   *http.Client
	Registry *OriginRegistry
	Logger   *logrus.Logger
	Assets   []string
	Now      func() time.Time
}

// Install 将配置的预取资产逐个拉取并写入 static 分区。单个资产失败
// 只记日志，不阻塞启动。
func (l *Lifecycle) Install(ctx context.Context) {
	if len(l.Assets) == 0 {
		return
	}

	staticOrigin, ok := l.Registry.ByKind(policy.OriginStatic)
	if !ok {
		l.Logger.WithFields(logrus.Fields{
			"action": "install",
		}).Warn("precache_skipped_no_static_origin")
		return
	}

	part, err := l.Store.Open(ctx, policy.CategoryStatic)
	if err != nil {
		l.Logger.WithFields(logrus.Fields{
			"action": "install",
		}).WithError(err).Warn("precache_partition_failed")
		return
	}

	now := l.Now
	if now == nil {
		now = time.Now
	}

	cached := 0
	for _, asset := range l.Assets {
		if err := l.precacheAsset(ctx, part, staticOrigin, asset, now()); err != nil {
			l.Logger.WithFields(logrus.Fields{
				"action": "install",
				"asset":  asset,
			}).WithError(err).Warn("precache_asset_failed")
			continue
		}
		cached++
	}

	l.Logger.WithFields(logrus.Fields{
		"action": "install",
		"cached": cached,
		"total":  len(l.Assets),
	}).Info("precache_complete")
}

func (l *Lifecycle) precacheAsset(ctx context.Context, part cache.Partition, origin *OriginRoute, asset string, writtenAt time.Time) error {
	target := origin.UpstreamURL.ResolveReference(&url.URL{Path: asset})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	key := cache.Key{Method: http.MethodGet, URL: target.String()}
	_, err = part.Put(ctx, key, cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   bytes.NewReader(body),
	}, writtenAt)
	return err
}
