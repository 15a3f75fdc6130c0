package projectfiles

import "github.com/multi-agent/project-files-bridge/internal/config"

// LimitsFromConfig 会话上限与空闲回收策略。
func LimitsFromConfig(cfg *config.Config) ManagerLimits {
	return ManagerLimits{MaxSessions: cfg.MaxSessions, IdleTimeout: cfg.SessionIdle()}
}

// OptionsFromConfig 由全局配置构造会话模板 (gorilla 拨号器携带自定义请求头与单帧上限)。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL: cfg.WSBaseURL,
		Dialer: &WSDialer{
			Header:           cfg.Headers(),
			HandshakeTimeout: cfg.DialTimeout(),
			ReadLimit:        cfg.MaxInboundFrameBytes(),
		},
		UserHeader:     cfg.UserIDHeaderName,
		RequestTimeout: cfg.RequestTimeout(),
		ReconnectDelay: cfg.ReconnectDelay(),
		DialTimeout:    cfg.DialTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		PingInterval:   cfg.PingInterval(),
		ReadIdle:       cfg.ReadIdleTimeout(),
		EventBuffer:    cfg.EventBufferSize,
		AutoConnect:    cfg.AutoConnect,
	}
}
