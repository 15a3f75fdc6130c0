package util

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	SafeGo(func() {
		defer wg.Done()
		panic("boom")
	})
	SafeGo(func() {
		defer wg.Done()
		panic(42)
	})
	// 走到这里说明 panic 没有扩散到测试进程
	wg.Wait()
}

func TestSafeGo_MultipleConcurrent(t *testing.T) {
	const n = 50
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		SafeGo(func() {
			defer wg.Done()
			counter.Add(1)
		})
	}
	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}
