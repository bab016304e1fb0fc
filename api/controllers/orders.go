package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/zonedispatch/api/responses"
	"github.com/angelmondragon/zonedispatch/api/validators"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

// OrderService is the zone dispatch surface the order routes drive.
type OrderService interface {
	CreateAndDispatch(ctx context.Context, orderID int64) (bool, error)
	CustomerCancel(ctx context.Context, orderID int64) (bool, error)
	HandleAccept(ctx context.Context, driverID, orderID int64) (bool, error)
	HandleDecline(ctx context.Context, driverID, orderID int64) (bool, error)
}

// TripService moves an accepted order through pickup and drop-off.
type TripService interface {
	MarkArrived(ctx context.Context, driverID, orderID int64) (bool, error)
	MarkOnboard(ctx context.Context, driverID, orderID int64) (bool, error)
	FinishTrip(ctx context.Context, driverID, orderID int64) (bool, error)
	DriverCancel(ctx context.Context, driverID, orderID int64) (bool, error)
}

// BroadcastService handles claims on broadcast orders.
type BroadcastService interface {
	Accept(ctx context.Context, orderID, driverID int64) (bool, error)
	ReserveBroadcast(ctx context.Context, orderID, driverID int64) (bool, error)
	ConfirmReserve(ctx context.Context, orderID int64) (bool, error)
	DeclineReserve(ctx context.Context, orderID int64) (bool, error)
}

type driverActionRequest struct {
	DriverID int64 `json:"driver_id" validate:"required,gt=0"`
}

type orderAction func(ctx context.Context, orderID int64) (bool, error)

type driverOrderAction func(ctx context.Context, orderID, driverID int64) (bool, error)

func orderHandler(action orderAction, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID)
		}
		applied, err := action(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteApplied(w, applied)
	}
}

func driverOrderHandler(action driverOrderAction, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParsePathID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req driverActionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithDriverID(logg.WithOrderID(ctx, orderID), req.DriverID)
		}
		applied, err := action(ctx, orderID, req.DriverID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteApplied(w, applied)
	}
}

// driverFirst adapts the dispatcher's (driverID, orderID) argument order.
func driverFirst(fn func(ctx context.Context, driverID, orderID int64) (bool, error)) driverOrderAction {
	return func(ctx context.Context, orderID, driverID int64) (bool, error) {
		return fn(ctx, driverID, orderID)
	}
}

// DispatchOrder starts dispatch for a NEW order: zone offer or broadcast.
func DispatchOrder(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return orderHandler(svc.CreateAndDispatch, logg)
}

// CancelOrder is the customer's cancel.
func CancelOrder(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return orderHandler(svc.CustomerCancel, logg)
}

func AcceptOffer(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.HandleAccept), logg)
}

func DeclineOffer(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.HandleDecline), logg)
}

// AcceptBroadcast takes a broadcast order, or formally accepts it when the caller is the
// driver bound by a confirmed reservation.
func AcceptBroadcast(svc BroadcastService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(svc.Accept, logg)
}

func ReserveBroadcast(svc BroadcastService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(svc.ReserveBroadcast, logg)
}

func ConfirmReservation(svc BroadcastService, logg *logger.Logger) http.HandlerFunc {
	return orderHandler(svc.ConfirmReserve, logg)
}

func DeclineReservation(svc BroadcastService, logg *logger.Logger) http.HandlerFunc {
	return orderHandler(svc.DeclineReserve, logg)
}

func TripArrived(svc TripService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.MarkArrived), logg)
}

func TripOnboard(svc TripService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.MarkOnboard), logg)
}

func TripFinish(svc TripService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.FinishTrip), logg)
}

// TripCancel is the driver abandoning an accepted trip; the order is redispatched.
func TripCancel(svc TripService, logg *logger.Logger) http.HandlerFunc {
	return driverOrderHandler(driverFirst(svc.DriverCancel), logg)
}
