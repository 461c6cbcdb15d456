package utils

import (
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
)

// Wildcard 匹配全部的通配符
const Wildcard = "*"

var compiledGlobs = xsync.NewMapOf[string, glob.Glob]()

// CompileGlob 编译并缓存 glob 模式
func CompileGlob(pattern string) (glob.Glob, error) {
	if g, ok := compiledGlobs.Load(pattern); ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("无效的匹配模式 %q: %w", pattern, err)
	}
	compiledGlobs.Store(pattern, g)
	return g, nil
}

// MatchAny 值是否匹配任一模式；非法模式按字面量比较
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == value || p == Wildcard {
			return true
		}
		g, err := CompileGlob(p)
		if err != nil {
			slog.Warn("忽略非法匹配模式", "pattern", p, "error", err)
			continue
		}
		if g.Match(value) {
			return true
		}
	}
	return false
}

// IsWildcard 列表是否只包含通配符
func IsWildcard(patterns []string) bool {
	return len(patterns) == 1 && patterns[0] == Wildcard
}
