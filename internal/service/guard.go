package service

import (
	"fmt"
	"sync"
	"time"
)

// Guard 会话级命令防抖：同一会话对同一命令既不能并发执行，
// 也要遵守冷却时间。冷却从开始执行时计起。
type Guard struct {
	cooldown time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
	lastUsed map[string]time.Time
}

// NewGuard 创建命令防抖器
func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{
		cooldown: cooldown,
		inFlight: make(map[string]bool),
		lastUsed: make(map[string]time.Time),
	}
}

func guardKey(principalID, command string) string {
	return principalID + ":" + command
}

// Acquire 尝试获取执行权。冷却中或已有同命令在执行时返回错误。
func (g *Guard) Acquire(principalID, command string) error {
	key := guardKey(principalID, command)

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastUsed[key]; ok {
		if elapsed := time.Since(last); elapsed < g.cooldown {
			remaining := int((g.cooldown - elapsed).Seconds()) + 1
			return fmt.Errorf("command %s on cooldown, retry in %ds", command, remaining)
		}
	}
	if g.inFlight[key] {
		return fmt.Errorf("command %s already in progress", command)
	}

	g.inFlight[key] = true
	g.lastUsed[key] = time.Now()
	return nil
}

// Release 释放执行权（必须与成功的 Acquire 配对）
func (g *Guard) Release(principalID, command string) {
	key := guardKey(principalID, command)

	g.mu.Lock()
	delete(g.inFlight, key)
	g.mu.Unlock()
}
