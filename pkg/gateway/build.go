package gateway

import (
	"net/http"
	"strings"
	"time"

	"psagate/pkg/admission"
	"psagate/pkg/audit"
	"psagate/pkg/authz"
	"psagate/pkg/circuit"
	"psagate/pkg/config"
	"psagate/pkg/dispatch"
	"psagate/pkg/events"
	"psagate/pkg/httpx"
	"psagate/pkg/identity"
	"psagate/pkg/metrics"
	"psagate/pkg/ratelimit"
	"psagate/pkg/telemetry"

	"go.uber.org/zap"
)

// Deps are the process-level handles Build does not create itself.
type Deps struct {
	// Limiter defaults to an in-process limiter.
	Limiter    ratelimit.Limiter
	HTTPClient *http.Client
	Audit      audit.Recorder
	// Publisher receives circuit transitions off the request path.
	Publisher events.Publisher
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Now       func() time.Time
}

// Gateway is a built server plus the handles its owner must run or close.
type Gateway struct {
	Server   *Server
	Circuits *circuit.Registry
	Bus      *events.Bus
}

// Build assembles the pipeline from a validated configuration.
func Build(cfg *config.Config, deps Deps) (*Gateway, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewRegistry()
	}
	hierarchy, err := cfg.Hierarchy()
	if err != nil {
		return nil, err
	}
	routes, destinations, err := BuildRoutes(cfg)
	if err != nil {
		return nil, err
	}
	if err := hierarchy.Validate(DefaultAdminRole); err != nil {
		return nil, err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	adminPolicies := []ratelimit.Policy{policies[ratelimit.PolicyGlobal], policies[ratelimit.PolicyAdmin]}
	if cfg.RateLimit.Disabled {
		adminPolicies = nil
		for i := range routes.routes {
			routes.routes[i].Target.Policies = nil
		}
		logger.Warn("rate limiting disabled by configuration")
	}

	hub := events.NewHub()
	bus := events.NewBus(hub, deps.Publisher, logger)
	regOpts := []circuit.RegistryOption{
		circuit.WithClock(now),
		circuit.WithListener(bus.OnTransition),
		circuit.WithListener(logTransition(logger)),
	}
	for name, d := range destinations {
		if d.Circuit != nil {
			regOpts = append(regOpts, circuit.WithOverride(name, *d.Circuit))
		}
	}
	circuits := circuit.NewRegistry(cfg.Circuit, regOpts...)
	circuits.Subscribe(ObserveCircuits(m, circuits))

	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewInMemory().WithClock(now)
	}
	controller := admission.NewController(limiter, circuits,
		admission.WithObserver(m),
		admission.WithLogger(logger),
		admission.WithClock(now),
	)

	clientIP := httpx.ClientIPResolver{TrustedProxies: httpx.ParseCIDRs(cfg.TrustedProxyCIDRs)}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	dispatcher := dispatch.New(telemetry.InstrumentClient(client), controller,
		dispatch.WithClientIP(clientIP.ClientIP),
		dispatch.WithRecorder(m),
		dispatch.WithLogger(logger),
		dispatch.WithGatewayName(cfg.GatewayName),
	)

	s := &Server{
		Name:                cfg.GatewayName,
		Routes:              routes,
		Destinations:        destinations,
		Resolver:            identity.NewResolver(cfg.SigningKey, identity.WithIssuer(cfg.Issuer), identity.WithAudience(cfg.Audience), identity.WithClock(now)),
		Evaluator:           authz.NewEvaluator(hierarchy),
		Admission:           controller,
		Dispatcher:          dispatcher,
		Metrics:             m,
		Audit:               deps.Audit,
		Events:              hub,
		Logger:              logger,
		ClientIP:            clientIP.ClientIP,
		AdminRole:           DefaultAdminRole,
		AdminPolicies:       adminPolicies,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		WSAllowedOrigins:    splitOrigins(cfg.WSAllowedOrigins),
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		now:                 now,
	}
	return &Gateway{Server: s, Circuits: circuits, Bus: bus}, nil
}

func logTransition(logger *zap.Logger) circuit.Listener {
	return func(tr circuit.Transition) {
		log := logger.Info
		if tr.To == circuit.Open {
			log = logger.Warn
		}
		log("circuit transition",
			zap.String("destination", tr.Service),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("reason", tr.Reason),
		)
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
