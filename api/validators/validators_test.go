package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
)

type etaBody struct {
	NextFinishZone string `json:"next_finish_zone" validate:"required"`
	ETAMinutes     int    `json:"eta_minutes" validate:"gte=0"`
}

func TestDecodeJSONBodyValidates(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"eta_minutes":-1}`))
	var body etaBody
	err := DecodeJSONBody(req, &body)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := pkgerrors.As(err).Details().(map[string]string)
	if !ok {
		t.Fatalf("expected field details, got %T", pkgerrors.As(err).Details())
	}
	if details["next_finish_zone"] != "is required" || details["eta_minutes"] != "must be at least 0" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestDecodeJSONBodyRejectsUnknownAndEmpty(t *testing.T) {
	var body etaBody
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"next_finish_zone":"DEMA","extra":1}`))
	if err := DecodeJSONBody(req, &body); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected unknown field rejection, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(``))
	if err := DecodeJSONBody(req, &body); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected empty body rejection, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"next_finish_zone":"DEMA"}{"next_finish_zone":"AVDON"}`))
	if err := DecodeJSONBody(req, &body); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected trailing object rejection, got %v", err)
	}

	huge := `{"next_finish_zone":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(huge))
	err := DecodeJSONBody(req, &body)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) || pkgerrors.As(err).Message() != "request body too large" {
		t.Fatalf("expected size rejection, got %v", err)
	}
}

func TestParsePathID(t *testing.T) {
	cases := map[string]bool{"42": true, "0": false, "-3": false, "abc": false, "": false}
	for raw, ok := range cases {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("orderId", raw)
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		id, err := ParsePathID(req, "orderId")
		if ok && (err != nil || id != 42) {
			t.Fatalf("%q: expected 42, got %d %v", raw, id, err)
		}
		if !ok && !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  next\tzone\x00 ", 0); got != "next zone" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	if got := SanitizeString("ЖУКОВО", 3); got != "ЖУК" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}
