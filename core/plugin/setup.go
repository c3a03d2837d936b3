package plugin

import (
	"QFetch/config"
	"QFetch/logger"
)

// BuildRegistry 按配置注册服务适配器；mirror 为 nil 时不注册镜像
func BuildRegistry(cfg *config.Config, mirror ObjectSource) *Registry {
	reg := NewRegistry()
	for _, name := range config.KnownServices {
		base, ok := cfg.ServiceEndpoints[name]
		if !ok {
			continue
		}
		reg.Register(NewHTTPAdapter(name, base, cfg.HTTPTimeout, cfg.ServiceRateLimit))
	}
	if mirror != nil {
		reg.Register(NewMirrorAdapter(mirror))
	}
	if err := reg.SetDefault(cfg.Service); err != nil {
		logger.Warn("[Plugin] 首选服务未配置，使用默认服务",
			logger.String("service", cfg.Service),
			logger.Any("available", reg.Names()))
	}
	return reg
}

// SelectAdapter 首选服务 + 回退链，镜像（如已注册）总是排在最后
func SelectAdapter(cfg *config.Config, reg *Registry) (ServiceAdapter, error) {
	fallback := append([]string{}, cfg.ServiceFallback...)
	fallback = append(fallback, "mirror")
	return reg.Select(cfg.Service, fallback)
}
