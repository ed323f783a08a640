// Package status 暴露只读的运行状态接口：健康检查、Prometheus 指标、
// 各钱包的调度快照、最近事件与比赛历史。
package status
