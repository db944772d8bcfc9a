package server

import (
	"fmt"

	"openfms/rpcproxy/internal/config"
	"openfms/rpcproxy/internal/filters/allowlist"
	"openfms/rpcproxy/internal/filters/router"
	"openfms/rpcproxy/internal/proxy"
)

// BuildFilterChain instantiates the configured filters in order.
func BuildFilterChain(cfg *config.Config, upstream router.Upstream) (proxy.FilterChain, error) {
	chain := make(proxy.FilterChain, 0, len(cfg.Filters))
	for _, name := range cfg.Filters {
		switch name {
		case allowlist.Name:
			chain = append(chain, allowlist.NewFactory(allowlist.Config{
				Services: cfg.Allowlist.Services,
			}))
		case router.Name:
			if upstream == nil {
				return nil, fmt.Errorf("filter %q needs an upstream", name)
			}
			chain = append(chain, router.NewFactory(router.Config{
				SubjectPrefix: cfg.Router.SubjectPrefix,
				Timeout:       cfg.Router.Timeout(),
			}, upstream))
		default:
			return nil, fmt.Errorf("unknown filter %q", name)
		}
	}
	return chain, nil
}
