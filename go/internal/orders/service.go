package orders

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/httputil"
	"github.com/mcdev12/roundsync/go/internal/models"
)

// OrdersApp defines what the service layer needs from the orders application
type OrdersApp interface {
	Generate(ctx context.Context, roundID uuid.UUID, req GenerateOrdersRequest) ([]models.ProductionOrder, error)
	ActivateNext(ctx context.Context, roundID uuid.UUID) (*ActivateResult, error)
	RecordDelivery(ctx context.Context, orderID uuid.UUID, teamID string) (*DeliveryResult, error)
	List(ctx context.Context, roundID uuid.UUID) ([]models.ProductionOrder, error)
	HasDelivered(ctx context.Context, orderID uuid.UUID, teamID string) (bool, error)
}

// Service exposes the order ledger over JSON/HTTP
type Service struct {
	app OrdersApp
}

func NewService(app OrdersApp) *Service {
	return &Service{app: app}
}

// Routes registers the order endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/api/rounds/{id}/orders", s.handleList)
	r.Post("/api/rounds/{id}/orders", s.handleGenerate)
	r.Post("/api/rounds/{id}/orders/activate-next", s.handleActivateNext)
	r.Post("/api/orders/{orderID}/deliveries", s.handleRecordDelivery)
	r.Get("/api/orders/{orderID}/deliveries/{teamID}", s.handleHasDelivered)
}

type deliveredResponse struct {
	OrderID   uuid.UUID `json:"order_id"`
	TeamID    string    `json:"team_id"`
	Delivered bool      `json:"delivered"`
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	roundID, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}

	orders, err := s.app.List(r.Context(), roundID)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	if orders == nil {
		orders = []models.ProductionOrder{}
	}
	httputil.RespondOK(w, orders)
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	roundID, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	var req GenerateOrdersRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	orders, err := s.app.Generate(r.Context(), roundID, req)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondCreated(w, orders)
}

func (s *Service) handleActivateNext(w http.ResponseWriter, r *http.Request) {
	roundID, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}

	res, err := s.app.ActivateNext(r.Context(), roundID)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, res)
}

func (s *Service) handleRecordDelivery(w http.ResponseWriter, r *http.Request) {
	orderID, err := httputil.UUIDParam(r, "orderID")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	var req RecordDeliveryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	res, err := s.app.RecordDelivery(r.Context(), orderID, req.TeamID)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, res)
}

func (s *Service) handleHasDelivered(w http.ResponseWriter, r *http.Request) {
	orderID, err := httputil.UUIDParam(r, "orderID")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	teamID := chi.URLParam(r, "teamID")

	delivered, err := s.app.HasDelivered(r.Context(), orderID, teamID)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, deliveredResponse{OrderID: orderID, TeamID: teamID, Delivered: delivered})
}
