package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/foomin/smarthotel-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса smarthotel.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		// Публичные чтения: метаданные отеля и календарь.
		r.Get("/hotel", h.HotelInfo)
		r.Get("/hotel/timestamp", h.Timestamp)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/hotel/price", h.ChangePrice)

			r.Post("/tokens/buy", h.BuyTokens)
			r.Get("/tokens/balance", h.GetBalance)
			r.Get("/tokens/ledger", h.GetLedger)
		})

		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/status", h.RoomStatus)
			r.Get("/bookings", h.ListBookings)
			r.Get("/bookings/{checkIn}", h.GetBooking)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/bookings", h.CreateBooking)
				r.Delete("/booking", h.RefundBooking)

				r.Post("/checkin", h.CheckIn)
				r.Post("/checkout", h.CheckOut)

				r.Put("/passcode", h.SetPasscode)
				r.Post("/door/open", h.OpenDoor)
				r.Post("/door/lock", h.LockDoor)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
