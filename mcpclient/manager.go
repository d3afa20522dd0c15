package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	loggerv2 "mcpa2a/logger/v2"
)

// ConnectResult is the outcome of bringing one server up.
type ConnectResult struct {
	ServerName string
	Session    *Session
	Tools      []Tool
	Error      error
	Duration   time.Duration
}

// SessionFactory builds the session for a configured server. Tests replace
// it to inject transports.
type SessionFactory func(name string, cfg MCPServerConfig) *Session

// Manager owns the sessions of every configured tool server.
type Manager struct {
	cfg     *MCPConfig
	logger  loggerv2.Logger
	factory SessionFactory

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. opts are applied to every session it builds.
func NewManager(cfg *MCPConfig, logger loggerv2.Logger, opts ...Option) *Manager {
	logger = loggerv2.OrNoop(logger)
	sessionOpts := append([]Option{WithLogger(logger)}, opts...)
	return &Manager{
		cfg:    cfg,
		logger: logger,
		factory: func(name string, srvCfg MCPServerConfig) *Session {
			return NewSession(name, srvCfg, sessionOpts...)
		},
		sessions: make(map[string]*Session),
	}
}

// WithSessionFactory replaces how sessions are built.
func (m *Manager) WithSessionFactory(f SessionFactory) *Manager {
	m.factory = f
	return m
}

// ConnectAll connects, initializes and lists tools on every configured
// server in parallel. Failed servers are logged and left out; the error is
// non-nil only when servers were configured and none came up.
func (m *Manager) ConnectAll(ctx context.Context) ([]ConnectResult, error) {
	servers := m.cfg.ListServers()
	if len(servers) == 0 {
		m.logger.Debug("No tool servers configured")
		return nil, nil
	}

	m.logger.Info("Connecting tool servers",
		loggerv2.Int("server_count", len(servers)),
		loggerv2.Any("servers", servers))

	resultsCh := make(chan ConnectResult, len(servers))
	var wg sync.WaitGroup
	for _, name := range servers {
		srvCfg, _ := m.cfg.GetServer(name)
		wg.Add(1)
		go func(name string, srvCfg MCPServerConfig) {
			defer wg.Done()
			resultsCh <- m.connectOne(ctx, name, srvCfg)
		}(name, srvCfg)
	}
	wg.Wait()
	close(resultsCh)

	results := make([]ConnectResult, 0, len(servers))
	var errs []error
	for res := range resultsCh {
		results = append(results, res)
		if res.Error != nil {
			errs = append(errs, res.Error)
			m.logger.Error("❌ Tool server unavailable", res.Error, loggerv2.String("server", res.ServerName))
			continue
		}
		m.mu.Lock()
		m.sessions[res.ServerName] = res.Session
		m.mu.Unlock()
		m.logger.Info("Tool server connected",
			loggerv2.String("server", res.ServerName),
			loggerv2.Int("tools", len(res.Tools)),
			loggerv2.Duration("duration", res.Duration))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ServerName < results[j].ServerName })

	if len(errs) == len(servers) {
		return results, fmt.Errorf("no tool server could be connected: %w", errors.Join(errs...))
	}
	return results, nil
}

func (m *Manager) connectOne(ctx context.Context, name string, srvCfg MCPServerConfig) ConnectResult {
	start := time.Now()
	res := ConnectResult{ServerName: name}

	if err := ctx.Err(); err != nil {
		res.Error = fmt.Errorf("parent context cancelled: %w", err)
		return res
	}

	session := m.factory(name, srvCfg)
	if err := session.Connect(ctx); err != nil {
		res.Error = err
		return res
	}
	if err := session.Initialize(ctx); err != nil {
		if shutdownErr := session.Shutdown(context.Background()); shutdownErr != nil {
			m.logger.Warn("Cleanup after failed handshake", loggerv2.String("server", name), loggerv2.Error(shutdownErr))
		}
		res.Error = err
		return res
	}
	tools, err := session.ListTools(ctx)
	if err != nil {
		m.logger.Warn("Listing tools failed, continuing without them",
			loggerv2.String("server", name), loggerv2.Error(err))
		tools = nil
	}

	res.Session = session
	res.Tools = tools
	res.Duration = time.Since(start)
	return res
}

// Session returns the connected session for name.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Sessions returns all connected sessions sorted by name.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ShutdownAll shuts every session down concurrently. Every session is
// attempted regardless of failures; the failures are joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	sessions := m.Sessions()

	errCh := make(chan error, len(sessions))
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("shutdown %s panicked: %v", s.Name(), r)
				}
			}()
			if err := s.Shutdown(ctx); err != nil {
				errCh <- err
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		m.logger.Warn("Some tool servers did not shut down cleanly", loggerv2.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}
