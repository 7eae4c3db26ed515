package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 管理磁盘缓存分区。磁盘布局遵循：
//
//	<StoragePath>/<prefix>-<version>-<category>/<hash>.body  # 响应正文
//	<StoragePath>/<prefix>-<version>-<category>/<hash>.json  # 元数据边车
//
// 分区在首次 Open 时惰性创建；条目跨进程重启持久存在，直到被
// TTL/容量维护或版本清理删除。
type Store interface {
	// Open 打开（必要时创建）当前版本下指定类别的分区。
	Open(ctx context.Context, category string) (Partition, error)

	// DeletePartition 整体删除一个分区（按完整分区名），用于版本清理。
	DeletePartition(ctx context.Context, name string) error

	// ListPartitionNames 枚举存储根目录下全部分区名。
	ListPartitionNames(ctx context.Context) ([]string, error)
}

// Partition 是单个分区的读写句柄。
type Partition interface {
	// Name 返回完整分区名 {prefix}-{version}-{category}。
	Name() string

	// Category 返回分区类别。
	Category() string

	// Match 查找缓存条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*ReadResult, error)

	// Put 写入一条响应并盖上 writtenAt 新鲜度戳，覆盖同键旧条目。
	// 实现需通过临时文件 + rename 保证写入原子性。
	Put(ctx context.Context, key Key, res Response, writtenAt time.Time) (*Entry, error)

	// Delete 删除单个条目，条目不存在不算错误。
	Delete(ctx context.Context, key Key) error

	// Keys 枚举分区内全部条目（含新鲜度戳），供容量维护排序使用。
	Keys(ctx context.Context) ([]Entry, error)
}

// Key 标识一条缓存记录：方法 + 规范化后的绝对 URL。引擎只缓存 GET，
// 但键里仍保留方法，避免未来扩展时出现隐式冲突。
type Key struct {
	Method string
	URL    string
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 描述待写入的上游响应。Header 在写入时完整持久化，
// 新鲜度由引擎自带的 cache-time 戳决定，与上游缓存头无关。
type Response struct {
	Status int
	Header http.Header
	Body   io.Reader
}

// Entry 是一条缓存记录的元信息。WrittenAt 即 cache-time 戳。
type Entry struct {
	Key       Key
	Partition string
	Status    int
	Header    http.Header
	SizeBytes int64
	WrittenAt time.Time
}

// Age 返回条目距写入时刻的年龄。
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责 Close。
type ReadResult struct {
	Entry Entry
	Body  io.ReadCloser
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// PartitionName 拼出 {prefix}-{version}-{category} 形式的分区名。
func PartitionName(prefix, version, category string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, version, category)
}

// BelongsToPrefix 判断分区名是否属于本引擎的命名前缀。
func BelongsToPrefix(name, prefix string) bool {
	return strings.HasPrefix(name, prefix+"-")
}

// MatchesVersion 判断分区名是否属于指定前缀 + 版本标签。
func MatchesVersion(name, prefix, version string) bool {
	return strings.HasPrefix(name, prefix+"-"+version+"-")
}
