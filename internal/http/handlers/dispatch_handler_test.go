package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"courier/internal/http/handlers"
	httpmiddleware "courier/internal/http/middleware"
	"courier/internal/infra"
	"courier/internal/modules/dispatch"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type fakeDispatch struct {
	err      error
	declined []types.ID
}

func (f *fakeDispatch) Candidates(_ context.Context, orderID types.ID) ([]location.Nearby, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []location.Nearby{{AgentID: "rider-1", DistanceKm: 0.8}}, nil
}

func (f *fakeDispatch) Dispatch(_ context.Context, orderID types.ID) (*order.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	agent := types.ID("rider-1")
	return &order.Order{ID: orderID, Status: order.StatusReady, AgentID: &agent}, nil
}

func (f *fakeDispatch) Decline(_ context.Context, orderID, agentID types.ID) error {
	if f.err != nil {
		return f.err
	}
	f.declined = append(f.declined, agentID)
	return nil
}

func dispatchRouter(svc handlers.DispatchService, verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	dh := handlers.NewDispatchHandler(svc)
	authed := r.Group("/api", httpmiddleware.Auth(verifier))
	authed.GET("/orders/:id/candidates", dh.Candidates)
	authed.POST("/orders/:id/dispatch", dh.Dispatch)
	authed.POST("/orders/:id/decline", dh.Decline)
	return r
}

func TestDispatchRoutes_Roles(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		method string
		path   string
		want   int
	}{
		{"staff candidates", "staff", http.MethodGet, "/api/orders/o-1/candidates", http.StatusOK},
		{"agent candidates", "agent", http.MethodGet, "/api/orders/o-1/candidates", http.StatusForbidden},
		{"staff dispatch", "staff", http.MethodPost, "/api/orders/o-1/dispatch", http.StatusOK},
		{"customer dispatch", "", http.MethodPost, "/api/orders/o-1/dispatch", http.StatusForbidden},
		{"agent decline", "agent", http.MethodPost, "/api/orders/o-1/decline", http.StatusNoContent},
		{"staff decline", "staff", http.MethodPost, "/api/orders/o-1/decline", http.StatusForbidden},
		{"bad id", "staff", http.MethodPost, "/api/orders/o%201/dispatch", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := dispatchRouter(&fakeDispatch{}, makeVerifier("rider-1", tc.role))
			w := doRequest(r, tc.method, tc.path, nil, "Bearer tok")
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestDispatch_DeclineUsesCaller(t *testing.T) {
	svc := &fakeDispatch{}
	r := dispatchRouter(svc, makeVerifier("rider-9", "agent"))
	w := doRequest(r, http.MethodPost, "/api/orders/o-1/decline", nil, "Bearer tok")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(svc.declined) != 1 || svc.declined[0] != "rider-9" {
		t.Fatalf("declined = %v", svc.declined)
	}
}

func TestDispatch_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{dispatch.ErrNoAgentAvailable, http.StatusConflict, "no_agent_available"},
		{dispatch.ErrNotDispatchable, http.StatusUnprocessableEntity, "not_dispatchable"},
		{dispatch.ErrNoDestination, http.StatusUnprocessableEntity, "not_dispatchable"},
		{order.ErrNotFound, http.StatusNotFound, ""},
		{order.ErrConflict, http.StatusConflict, ""},
	}
	for _, tc := range cases {
		r := dispatchRouter(&fakeDispatch{err: tc.err}, makeVerifier("ops-1", "staff"))
		w := doRequest(r, http.MethodPost, "/api/orders/o-1/dispatch", nil, "Bearer tok")
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
		if tc.code != "" && decode(t, w)["code"] != tc.code {
			t.Errorf("%v: unexpected body %s", tc.err, w.Body.String())
		}
	}
}

func TestDispatch_CandidatesBody(t *testing.T) {
	r := dispatchRouter(&fakeDispatch{}, makeVerifier("ops-1", "staff"))
	w := doRequest(r, http.MethodGet, "/api/orders/o-1/candidates", nil, "Bearer tok")
	body := decode(t, w)
	agents, ok := body["agents"].([]any)
	if !ok || len(agents) != 1 {
		t.Fatalf("unexpected body %v", body)
	}
}
