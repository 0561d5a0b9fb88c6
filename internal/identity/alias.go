// Package identity 维护设备 ID 的规范形式与别名索引。
//
// 固件上报的 ID 是完整 MAC（如 6C_C8_40_4F_C7_B2），而 App 写入注册表的
// 是截断形式（去掉最后一段，如 6C_C8_40_4F_C7）。所有查找都通过别名索引
// 解析，而不是对任意两个 ID 做子串匹配。
package identity

import (
	"sort"
	"sync"
)

// Truncate 去掉 ID 末尾的 "_XX" 段（固件为兼容 App 截断 MAC）。
// 例如 "6C_C8_40_4F_C7_B2" -> "6C_C8_40_4F_C7"。
func Truncate(id string) string {
	if len(id) > 3 && id[len(id)-3] == '_' {
		return id[:len(id)-3]
	}
	return id
}

// SameDevice 判断两个 ID 是否指向同一设备（相等或互为一步截断）。
func SameDevice(a, b string) bool {
	return a == b || Truncate(a) == b || Truncate(b) == a
}

// ShorterForm 返回两个等价形式中较短的一个（去重时保留短形式）。
func ShorterForm(a, b string) string {
	if len(b) < len(a) {
		return b
	}
	return a
}

// Index 设备别名索引。规范键为观察到的最短形式。
type Index struct {
	mu      sync.RWMutex
	alias   map[string]string              // 任意形式 -> 规范键
	records map[string]map[string]struct{} // 规范键 -> 已知别名集合
}

// NewIndex 创建空索引
func NewIndex() *Index {
	return &Index{
		alias:   make(map[string]string),
		records: make(map[string]map[string]struct{}),
	}
}

// Register 登记一个设备 ID（任意形式），返回该设备的规范键。
// 同一设备出现更短的观察形式时，规范键迁移到短形式。
func (ix *Index) Register(id string) string {
	if id == "" {
		return ""
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	t := Truncate(id)
	canonical, ok := ix.alias[id]
	if !ok {
		canonical, ok = ix.alias[t]
	}
	if !ok {
		canonical = id
		ix.records[canonical] = make(map[string]struct{})
	} else if len(id) < len(canonical) {
		// 观察到更短的形式，迁移规范键
		aliases := ix.records[canonical]
		delete(ix.records, canonical)
		ix.records[id] = aliases
		for a := range aliases {
			ix.alias[a] = id
		}
		canonical = id
	}

	ix.records[canonical][id] = struct{}{}
	ix.records[canonical][t] = struct{}{}
	ix.alias[id] = canonical
	ix.alias[t] = canonical
	return canonical
}

// Resolve 解析任意形式的 ID，返回规范键。未登记的 ID 原样返回，ok 为 false。
func (ix *Index) Resolve(id string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if c, ok := ix.alias[id]; ok {
		return c, true
	}
	if c, ok := ix.alias[Truncate(id)]; ok {
		return c, true
	}
	return id, false
}

// Aliases 返回某设备的全部已知形式（短的在前）。
func (ix *Index) Aliases(id string) []string {
	canonical, ok := ix.Resolve(id)
	if !ok {
		return []string{id}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	forms := make([]string, 0, len(ix.records[canonical]))
	for a := range ix.records[canonical] {
		forms = append(forms, a)
	}
	sort.Slice(forms, func(i, j int) bool {
		if len(forms[i]) != len(forms[j]) {
			return len(forms[i]) < len(forms[j])
		}
		return forms[i] < forms[j]
	})
	return forms
}
