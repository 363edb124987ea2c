// Package rcu 提供基于原子指针的只读快照容器。
package rcu

import (
	"sync/atomic"
)

// Snapshot 保存一个不可变值的指针。
// 读路径无锁；写路径整体替换指针，旧值不会被修改。
// 调用方必须把传入的值视为只读。
type Snapshot[T any] struct {
	ptr     atomic.Pointer[T]
	version atomic.Uint64
}

// NewSnapshot 创建快照并存入初始值
func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

// Load 返回当前值
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace 替换当前值，返回旧值
func (s *Snapshot[T]) Replace(next *T) *T {
	prev := s.ptr.Swap(next)
	s.version.Add(1)
	return prev
}

// Generation 返回替换次数，可用于判断快照是否变化
func (s *Snapshot[T]) Generation() uint64 {
	return s.version.Load()
}
