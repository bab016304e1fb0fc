package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/zonedispatch/api/controllers"
	"github.com/angelmondragon/zonedispatch/api/middleware"
	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	pkgredis "github.com/angelmondragon/zonedispatch/pkg/redis"
)

// Dispatcher is the engine surface served over HTTP.
type Dispatcher interface {
	controllers.OrderService
	controllers.TripService
	controllers.DriverService
}

// RouterParams wires the HTTP layer.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          controllers.Pinger
	Redis       controllers.Pinger
	Idempotency pkgredis.IdempotencyStore
	Dispatcher  Dispatcher
	Broadcast   controllers.BroadcastService
	Metrics     http.Handler
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": p.DB,
			"redis":    p.Redis,
		}))
	})
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if p.Idempotency != nil {
			r.Use(middleware.Idempotency(p.Idempotency, logg))
		}

		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.Post("/dispatch", controllers.DispatchOrder(p.Dispatcher, logg))
			r.Post("/cancel", controllers.CancelOrder(p.Dispatcher, logg))
			r.Post("/offer/accept", controllers.AcceptOffer(p.Dispatcher, logg))
			r.Post("/offer/decline", controllers.DeclineOffer(p.Dispatcher, logg))

			r.Post("/broadcast/accept", controllers.AcceptBroadcast(p.Broadcast, logg))
			r.Post("/broadcast/reserve", controllers.ReserveBroadcast(p.Broadcast, logg))
			r.Post("/reservation/confirm", controllers.ConfirmReservation(p.Broadcast, logg))
			r.Post("/reservation/decline", controllers.DeclineReservation(p.Broadcast, logg))

			r.Post("/trip/arrived", controllers.TripArrived(p.Dispatcher, logg))
			r.Post("/trip/onboard", controllers.TripOnboard(p.Dispatcher, logg))
			r.Post("/trip/finish", controllers.TripFinish(p.Dispatcher, logg))
			r.Post("/trip/cancel", controllers.TripCancel(p.Dispatcher, logg))
		})

		r.Route("/drivers/{driverId}", func(r chi.Router) {
			r.Post("/online", controllers.DriverOnline(p.Dispatcher, logg))
			r.Post("/offline", controllers.DriverOffline(p.Dispatcher, logg))
			r.Put("/eta", controllers.DriverETA(p.Dispatcher, logg))
			r.Get("/queue-position", controllers.DriverQueuePosition(p.Dispatcher, logg))
		})

		r.Get("/zones", controllers.ZoneCounts(p.Dispatcher))
	})

	return r
}
