package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/zonedispatch/api/responses"
	"github.com/angelmondragon/zonedispatch/api/validators"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

// DriverService covers driver availability and the queue views.
type DriverService interface {
	GoOnline(ctx context.Context, driverID int64, zone enums.Zone) (bool, error)
	GoOffline(ctx context.Context, driverID int64) (bool, error)
	UpdateTripETA(ctx context.Context, driverID int64, nextFinishZone string, etaMinutes int) (bool, error)
	QueuePosition(driverID int64) (enums.Zone, int, bool)
	ZoneCounts() map[enums.Zone]int
}

type goOnlineRequest struct {
	Zone string `json:"zone" validate:"required,max=32"`
}

type updateETARequest struct {
	NextFinishZone string `json:"next_finish_zone" validate:"required,max=64"`
	ETAMinutes     int    `json:"eta_minutes" validate:"gte=0"`
}

// QueuePositionResponse is a driver's place in its zone queue. Position is 1-based and
// zero when the driver is not queued.
type QueuePositionResponse struct {
	DriverID int64  `json:"driver_id"`
	Zone     string `json:"zone,omitempty"`
	Position int    `json:"position"`
	Queued   bool   `json:"queued"`
}

// ZoneCount is the number of queued drivers in one zone.
type ZoneCount struct {
	Zone    string `json:"zone"`
	Drivers int    `json:"drivers"`
}

func DriverOnline(svc DriverService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, err := validators.ParsePathID(r, "driverId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req goOnlineRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		zone, err := enums.ParseZone(validators.SanitizeString(req.Zone, 32))
		if err != nil || !zone.IsValid() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "zone must be one of the dispatch zones").WithDetails(map[string]any{"zone": req.Zone}))
			return
		}
		applied, err := svc.GoOnline(r.Context(), driverID, zone)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteApplied(w, applied)
	}
}

func DriverOffline(svc DriverService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, err := validators.ParsePathID(r, "driverId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		applied, err := svc.GoOffline(r.Context(), driverID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteApplied(w, applied)
	}
}

// DriverETA records where a busy driver's current trip ends and how soon.
func DriverETA(svc DriverService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, err := validators.ParsePathID(r, "driverId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req updateETARequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		applied, err := svc.UpdateTripETA(r.Context(), driverID, validators.SanitizeString(req.NextFinishZone, 64), req.ETAMinutes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteApplied(w, applied)
	}
}

func DriverQueuePosition(svc DriverService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, err := validators.ParsePathID(r, "driverId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		zone, position, queued := svc.QueuePosition(driverID)
		resp := QueuePositionResponse{DriverID: driverID, Queued: queued}
		if queued {
			resp.Zone = zone.String()
			resp.Position = position
		}
		responses.WriteSuccess(w, resp)
	}
}

// ZoneCounts lists every dispatch zone with its queue length, in zone order.
func ZoneCounts(svc DriverService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := svc.ZoneCounts()
		out := make([]ZoneCount, 0, len(enums.Zones()))
		for _, zone := range enums.Zones() {
			out = append(out, ZoneCount{Zone: zone.String(), Drivers: counts[zone]})
		}
		responses.WriteSuccess(w, out)
	}
}
