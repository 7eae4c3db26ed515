// Package maintenance 实现缓存维护调度：版本切换时整体清理旧分区，
// 周期性（或按宿主信号）把每个分区裁剪到配置的条目上限。
package maintenance
