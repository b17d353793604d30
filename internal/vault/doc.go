// Package vault 实现托管金库的授权与记账核心：生命周期状态机、策略、滚动窗口
// 消费追踪、会话（authorize → 外部动作 → finalize）以及手续费计算。
//
// 所有状态变更都通过 Engine.Execute 以事务批次的方式提交：同一事务中的指令
// 共享一次时钟读数，要么全部生效，要么全部丢弃。
package vault
