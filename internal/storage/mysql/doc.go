// Package mysql 负责建立和调优 vaultd 共享的 MySQL 连接池。
// 各业务存储（钱包、交易、策略、审批、会话、熔断）在同一个连接池上
// 各自维护自己的表结构。
package mysql
