package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/holidays"
)

// TokenSecret keys the peer token digest in tests.
var TokenSecret = []byte("test-peer-token-secret")

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Logger      *slog.Logger
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// WithLogger routes service logs to logger.
func WithLogger(logger *slog.Logger) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Logger = logger
	}
}

// Services bundles the application services wired over one store.
type Services struct {
	Tokens    *application.PeerTokenService
	Policies  *application.PolicyService
	Engine    *application.PresenceEngine
	Anomalies *application.AnomalyService
}

// ServicesDeps captures the optional collaborators of NewServices.
type ServicesDeps struct {
	Holidays holidays.Provider
	Engine   application.EngineConfig
}

// NewServices wires every application service over store. Seed policies through the store
// before the first check-in; later changes should go through Services.Policies so the cache
// is invalidated.
func (f *ServiceFactory) NewServices(store *StoreHarness, deps ServicesDeps) Services {
	now := f.Clock.NowFunc()
	ids := f.IDGenerator.NextFunc()

	tokens := application.NewPeerTokenServiceWithLogger(store.Tokens, application.PeerTokenConfig{
		Secret: TokenSecret,
	}, now, f.Logger)
	policies := application.NewPolicyServiceWithLogger(store.Policies, store.Sites, deps.Holidays, application.PolicyServiceConfig{}, ids, now, f.Logger)
	engine := application.NewPresenceEngine(application.EngineDeps{
		Sessions:    store.Sessions,
		Sites:       store.Sites,
		Policies:    policies,
		Tokens:      tokens,
		Config:      deps.Engine,
		IDGenerator: ids,
		Now:         now,
		Logger:      f.Logger,
	})

	return Services{
		Tokens:    tokens,
		Policies:  policies,
		Engine:    engine,
		Anomalies: application.NewAnomalyServiceWithLogger(store.Sessions, 0, now, f.Logger),
	}
}
