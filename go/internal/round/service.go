package round

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/httputil"
	"github.com/mcdev12/roundsync/go/internal/models"
)

// RoundsApp defines what the service layer needs from the rounds application
type RoundsApp interface {
	Create(ctx context.Context, req CreateRoundRequest) (*models.Round, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Round, error)
	List(ctx context.Context) ([]models.Round, error)
	Current(ctx context.Context) (*models.Round, error)
	Start(ctx context.Context, id uuid.UUID) (*TransitionResult, error)
	Pause(ctx context.Context, id uuid.UUID) (*TransitionResult, error)
	Finish(ctx context.Context, id uuid.UUID) (*TransitionResult, error)
	UpdateDuration(ctx context.Context, id uuid.UUID, seconds int) (*TransitionResult, error)
	DefineSequence(ctx context.Context, roundID uuid.UUID, req DefineSequenceRequest) ([]models.TargetSequenceEntry, error)
	GenerateSequence(ctx context.Context, roundID uuid.UUID, req GenerateSequenceRequest) ([]models.TargetSequenceEntry, error)
	Sequence(ctx context.Context, roundID uuid.UUID) ([]models.TargetSequenceEntry, error)
	Reset(ctx context.Context) error
}

// Service exposes the round state machine over JSON/HTTP
type Service struct {
	app RoundsApp
}

func NewService(app RoundsApp) *Service {
	return &Service{app: app}
}

// Routes registers the round endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/api/rounds", s.handleList)
	r.Post("/api/rounds", s.handleCreate)
	r.Get("/api/rounds/current", s.handleCurrent)
	r.Get("/api/rounds/{id}", s.handleGet)
	r.Post("/api/rounds/{id}/start", s.handleTransition(TransitionStart))
	r.Post("/api/rounds/{id}/pause", s.handleTransition(TransitionPause))
	r.Post("/api/rounds/{id}/finish", s.handleTransition(TransitionFinish))
	r.Put("/api/rounds/{id}/duration", s.handleUpdateDuration)
	r.Get("/api/rounds/{id}/sequence", s.handleGetSequence)
	r.Post("/api/rounds/{id}/sequence", s.handleDefineSequence)
	r.Post("/api/rounds/{id}/sequence/generate", s.handleGenerateSequence)
	r.Post("/api/reset", s.handleReset)
}

type currentRoundResponse struct {
	Round *models.Round `json:"round"`
}

type sequenceResponse struct {
	RoundID uuid.UUID                    `json:"round_id"`
	Entries []models.TargetSequenceEntry `json:"entries"`
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.app.List(r.Context())
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, rounds)
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRoundRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	round, err := s.app.Create(r.Context(), req)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondCreated(w, round)
}

func (s *Service) handleCurrent(w http.ResponseWriter, r *http.Request) {
	round, err := s.app.Current(r.Context())
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, currentRoundResponse{Round: round})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}

	round, err := s.app.Get(r.Context(), id)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, round)
}

func (s *Service) handleTransition(t Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httputil.UUIDParam(r, "id")
		if err != nil {
			httputil.RespondError(w, err)
			return
		}

		var res *TransitionResult
		switch t {
		case TransitionStart:
			res, err = s.app.Start(r.Context(), id)
		case TransitionPause:
			res, err = s.app.Pause(r.Context(), id)
		case TransitionFinish:
			res, err = s.app.Finish(r.Context(), id)
		}
		if err != nil {
			httputil.RespondError(w, err)
			return
		}
		httputil.RespondOK(w, res)
	}
}

func (s *Service) handleUpdateDuration(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	var req UpdateDurationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	res, err := s.app.UpdateDuration(r.Context(), id, req.DurationSeconds)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondOK(w, res)
}

func (s *Service) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}

	entries, err := s.app.Sequence(r.Context(), id)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	if entries == nil {
		entries = []models.TargetSequenceEntry{}
	}
	httputil.RespondOK(w, sequenceResponse{RoundID: id, Entries: entries})
}

func (s *Service) handleDefineSequence(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	var req DefineSequenceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	entries, err := s.app.DefineSequence(r.Context(), id, req)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondCreated(w, sequenceResponse{RoundID: id, Entries: entries})
}

func (s *Service) handleGenerateSequence(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.UUIDParam(r, "id")
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	var req GenerateSequenceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, err)
		return
	}

	entries, err := s.app.GenerateSequence(r.Context(), id, req)
	if err != nil {
		httputil.RespondError(w, err)
		return
	}
	httputil.RespondCreated(w, sequenceResponse{RoundID: id, Entries: entries})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Reset(r.Context()); err != nil {
		httputil.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
