package manager

import (
	"context"
	"time"
)

// Run 在 manifest 的 TTL 到期时刷新，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(m.nextRefresh())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := m.nextRefresh()
		changed, err := m.Refresh(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			m.logger.Warn("scheduled refresh failed, serving previous revision", "error", err, "retry_in", m.retry)
			next = m.retry
		case changed:
			next = m.nextRefresh()
		}
		timer.Reset(next)
	}
}

// nextRefresh 取当前 manifest 的 TTL
func (m *Manager) nextRefresh() time.Duration {
	st := m.trust.Current()
	if st == nil || st.Manifest.TTL <= 0 {
		return defaultTTL
	}
	return st.Manifest.TTL
}
