package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var (
	envOnce     sync.Once
	envOnceLock sync.Mutex
	skipEnvLoad bool
)

// legacyEnvAliases 兼容旧前端工程遗留的变量名，新名称未设置时回填。
var legacyEnvAliases = map[string]string{
	"NEXT_PUBLIC_SUPABASE_URL":      "SUPABASE_URL",
	"NEXT_PUBLIC_SUPABASE_ANON_KEY": "SUPABASE_ANON_KEY",
	"GOOGLE_ANALYTICS_PROPERTY_ID":  "GA4_PROPERTY_ID",
}

// LoadEnvFiles 只加载一次 .env.local 与 .env，前者优先级更高。
func LoadEnvFiles() {
	if skipEnvLoad || os.Getenv("CONFIG_SKIP_ENV_LOAD") == "1" {
		return
	}

	envOnce.Do(func() {
		// 先加载 .env 再覆盖 .env.local，保证本地配置优先。
		for _, name := range []string{".env", ".env.local"} {
			if path, ok := findEnvFile(name); ok {
				if err := godotenv.Overload(path); err == nil {
					log.Printf("[config] loaded environment file: %s", path)
				}
			}
		}
		applyLegacyAliases()
	})
}

// SetEnvFileLoadingForTest 控制是否自动加载 env 文件，仅供测试使用。
func SetEnvFileLoadingForTest(enabled bool) {
	envOnceLock.Lock()
	defer envOnceLock.Unlock()

	skipEnvLoad = !enabled
	envOnce = sync.Once{}
}

func applyLegacyAliases() {
	for legacy, current := range legacyEnvAliases {
		if strings.TrimSpace(os.Getenv(current)) != "" {
			continue
		}
		if value := strings.TrimSpace(os.Getenv(legacy)); value != "" {
			_ = os.Setenv(current, value)
		}
	}
}

// findEnvFile 从当前目录逐级向上查找指定文件。
func findEnvFile(name string) (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
