// Package executor 实现乒乓执行循环：逐步骤向智能体要工具调用、
// 执行落链、结果追加落库，失败交由恢复引擎，恢复耗尽后按原子模式
// 决定中止或继续，终态投递归并队列。
package executor
