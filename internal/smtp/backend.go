package smtp

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	"github.com/infodancer/msgstore"
	"github.com/infodancer/smtpd/internal/filter"
	"github.com/infodancer/smtpd/internal/metrics"
)

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	hostname       string
	delivery       msgstore.DeliveryAgent
	authAgent      auth.AuthenticationAgent
	authRouter     *domain.AuthRouter
	domainProvider domain.DomainProvider
	filter         *filter.Dispatcher
	collector      metrics.Collector
	maxRecipients  int
	maxMessageSize int64
	tempDir        string
	logger         *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Hostname       string
	Delivery       msgstore.DeliveryAgent
	AuthAgent      auth.AuthenticationAgent
	AuthRouter     *domain.AuthRouter
	DomainProvider domain.DomainProvider
	Filter         *filter.Dispatcher
	Collector      metrics.Collector
	MaxRecipients  int
	MaxMessageSize int64
	TempDir        string
	Logger         *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		hostname:       cfg.Hostname,
		delivery:       cfg.Delivery,
		authAgent:      cfg.AuthAgent,
		authRouter:     cfg.AuthRouter,
		domainProvider: cfg.DomainProvider,
		filter:         cfg.Filter,
		collector:      cfg.Collector,
		maxRecipients:  cfg.MaxRecipients,
		maxMessageSize: cfg.MaxMessageSize,
		tempDir:        cfg.TempDir,
		logger:         logger,
	}
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	// Record connection opened
	if b.collector != nil {
		b.collector.ConnectionOpened()
	}

	clientIP := extractIPFromConn(c.Conn())

	return &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		logger:   b.logger.With(slog.String("client_ip", clientIP)),
	}, nil
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}

	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
