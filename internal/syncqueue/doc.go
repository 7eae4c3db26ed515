// Package syncqueue 实现离线写回队列：网络不可用时被捕获的变更先落盘，
// 连通性恢复后按插入顺序回放。语义为 at-least-once，由上游接口保证幂等。
package syncqueue
