// Package api 暴露守护进程的 REST 接口：交易提交与查询、外部交易签名、
// 审批决策、会话签发以及熔断器的触发与恢复。
// 所有资金类写操作都经过熔断闸门与会话校验。
package api
