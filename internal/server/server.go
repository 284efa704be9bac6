// Package server exposes the review engine over HTTP for the channel
// bridge. It is an adapter, not the product surface: every operation maps
// onto one inbound event or read of the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
	"reviewline/internal/transport"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Router   *transport.Router
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"review_in_progress"`
	Message string         `json:"message" example:"your answer for this task is already under review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	if code == "" {
		code = http.StatusText(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// mapDomainErr translates the engine's expected rejection taxonomy into
// HTTP statuses; unexpected errors stay 500.
func mapDomainErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrTaskLocked):
		return newAPIError(http.StatusConflict, "task_locked", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyAccepted):
		return newAPIError(http.StatusConflict, "already_accepted", err.Error(), nil)
	case errors.Is(err, domain.ErrReviewInProgress):
		return newAPIError(http.StatusConflict, "review_in_progress", err.Error(), nil)
	case errors.Is(err, domain.ErrEmptySubmission):
		return newAPIError(http.StatusBadRequest, "empty_submission", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, domain.ErrInvariantViolation):
		return newAPIError(http.StatusConflict, "invariant_violation", err.Error(), nil)
	case errors.Is(err, domain.ErrNotRegistered):
		return newAPIError(http.StatusNotFound, "not_registered", err.Error(), nil)
	case errors.Is(err, domain.ErrNoCuratorAssigned):
		return newAPIError(http.StatusConflict, "no_curator_assigned", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyRegistered):
		return newAPIError(http.StatusConflict, "already_registered", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidToken):
		return newAPIError(http.StatusForbidden, "invalid_token", err.Error(), nil)
	case errors.Is(err, domain.ErrWrongKind):
		return newAPIError(http.StatusBadRequest, "wrong_kind", err.Error(), nil)
	case errors.Is(err, domain.ErrQueueEmpty):
		return newAPIError(http.StatusNotFound, "queue_empty", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return err
}

// New returns an HTTP handler exposing the Reviewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEvents(group, cfg.Router)
	registerParticipants(group, cfg.Engine, cfg.Auth)
	registerSubmissions(group, cfg.Engine, cfg.Auth)
	registerCurators(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerStandings(group, cfg.Engine)
	return router, nil
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

// registerEvents is the inlet for the channel bridge: one endpoint, a
// tagged envelope, and the transport router does the rest.
func registerEvents(api huma.API, router *transport.Router) {
	type eventInput struct {
		Body struct {
			Type    string          `json:"type" enum:"registered,task_chosen,fragment,finalize,cancel,decision,advance,curator_added,curator_removed"`
			Payload json.RawMessage `json:"payload"`
		}
	}
	type eventOutput struct {
		Body struct {
			Accepted bool `json:"accepted"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Ingest one channel event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, in *eventInput) (*eventOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(in.Body.Type, in.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_event", err.Error(), nil)
		}
		if err := router.Handle(ctx, ev); err != nil {
			return nil, mapDomainErr(err)
		}
		out := &eventOutput{}
		out.Body.Accepted = true
		return out, nil
	})
}

func decodeEvent(kind string, payload json.RawMessage) (any, error) {
	switch kind {
	case "registered":
		return decodeAs[transport.Registered](payload)
	case "task_chosen":
		return decodeAs[transport.TaskChosen](payload)
	case "fragment":
		return decodeAs[transport.FragmentReceived](payload)
	case "finalize":
		return decodeAs[transport.FinalizeRequested](payload)
	case "cancel":
		return decodeAs[transport.CancelRequested](payload)
	case "decision":
		return decodeAs[transport.CuratorDecision](payload)
	case "advance":
		return decodeAs[transport.CuratorAdvanceRequested](payload)
	case "curator_added":
		return decodeAs[transport.CuratorAdded](payload)
	case "curator_removed":
		return decodeAs[transport.CuratorRemoved](payload)
	}
	return nil, errors.New("unknown event type " + kind)
}

func decodeAs[T any](payload json.RawMessage) (any, error) {
	var ev T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// requireParticipantAccess gates participant-facing operations. With
// AllowAnonymousParticipants set the channel bridge vouches for identity;
// otherwise any authenticated principal will do.
func requireParticipantAccess(ctx context.Context, auth AuthConfig) error {
	if auth.AllowAnonymousParticipants {
		return nil
	}
	if _, ok := principalFromContext(ctx); ok {
		return nil
	}
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func registerParticipants(api huma.API, e engine.Engine, auth AuthConfig) {
	type registerInput struct {
		Body struct {
			ChannelID string `json:"channel_id" minLength:"1"`
			Name      string `json:"name" minLength:"1"`
			Group     string `json:"group,omitempty"`
		}
	}
	type registerOutput struct {
		Body struct {
			Participant domain.Participant `json:"participant"`
			Curator     domain.Curator     `json:"curator"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "register-participant",
		Method:        http.MethodPost,
		Path:          "/participants",
		Summary:       "Register a participant and assign a curator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *registerInput) (*registerOutput, error) {
		if err := requireParticipantAccess(ctx, auth); err != nil {
			return nil, err
		}
		p, c, err := e.RegisterParticipant(ctx, in.Body.ChannelID, in.Body.Name, in.Body.Group)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &registerOutput{}
		out.Body.Participant = p
		out.Body.Curator = c
		return out, nil
	})

	type profileInput struct {
		ID string `path:"id"`
	}
	type profileOutput struct {
		Body engine.Profile
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{id}",
		Summary:     "Participant profile",
	}, func(ctx context.Context, in *profileInput) (*profileOutput, error) {
		if err := requireParticipantAccess(ctx, auth); err != nil {
			return nil, err
		}
		prof, err := e.GetProfile(ctx, in.ID)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		return &profileOutput{Body: prof}, nil
	})

	type tasksOutput struct {
		Body struct {
			Tasks []catalog.Task `json:"tasks"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "available-tasks",
		Method:      http.MethodGet,
		Path:        "/participants/{id}/tasks",
		Summary:     "Tasks the participant may still pick",
	}, func(ctx context.Context, in *profileInput) (*tasksOutput, error) {
		if err := requireParticipantAccess(ctx, auth); err != nil {
			return nil, err
		}
		tasks, err := e.AvailableTasks(ctx, in.ID)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &tasksOutput{}
		out.Body.Tasks = tasks
		return out, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine, auth AuthConfig) {
	type submitInput struct {
		ID   string `path:"id"`
		Body struct {
			TaskID    int               `json:"task_id" minimum:"1"`
			Fragments []domain.Fragment `json:"fragments" minItems:"1"`
		}
	}
	type submitOutput struct {
		Body struct {
			Submission domain.Submission `json:"submission"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/participants/{id}/submissions",
		Summary:       "Submit evidence for a task",
		Description:   "Single-shot path for fully assembled fragment lists; the channel bridge uses the event feed for time-spread fragments.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *submitInput) (*submitOutput, error) {
		if err := requireParticipantAccess(ctx, auth); err != nil {
			return nil, err
		}
		s, _, err := e.Submit(ctx, in.ID, in.Body.TaskID, in.Body.Fragments)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &submitOutput{}
		out.Body.Submission = s
		return out, nil
	})

	type getSubmissionInput struct {
		ID string `path:"id"`
	}
	type getSubmissionOutput struct {
		Body domain.Submission
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Fetch one submission",
	}, func(ctx context.Context, in *getSubmissionInput) (*getSubmissionOutput, error) {
		if err := requireParticipantAccess(ctx, auth); err != nil {
			return nil, err
		}
		s, err := e.Repo.GetSubmission(ctx, in.ID)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		return &getSubmissionOutput{Body: s}, nil
	})
}

func registerCurators(api huma.API, e engine.Engine) {
	type listOutput struct {
		Body struct {
			Curators []domain.Curator `json:"curators"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-curators",
		Method:      http.MethodGet,
		Path:        "/curators",
		Summary:     "Curator lineup in ring order",
	}, func(ctx context.Context, _ *struct{}) (*listOutput, error) {
		curators, err := e.Repo.ListCurators(ctx)
		if err != nil {
			return nil, err
		}
		out := &listOutput{}
		out.Body.Curators = curators
		return out, nil
	})

	type addInput struct {
		Body struct {
			Name        string `json:"name" minLength:"1"`
			ChannelID   string `json:"channel_id" minLength:"1"`
			InviteToken string `json:"invite_token,omitempty"`
		}
	}
	type addOutput struct {
		Body domain.Curator
	}
	huma.Register(api, huma.Operation{
		OperationID:   "add-curator",
		Method:        http.MethodPost,
		Path:          "/curators",
		Summary:       "Add a curator (organizer token, or one-shot invite token)",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *addInput) (*addOutput, error) {
		if in.Body.InviteToken != "" {
			c, err := e.JoinByInvite(ctx, in.Body.InviteToken, in.Body.Name, in.Body.ChannelID)
			if err != nil {
				return nil, mapDomainErr(err)
			}
			return &addOutput{Body: c}, nil
		}
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actor := actorID(ctx)
		c, err := e.AddCurator(ctx, in.Body.Name, in.Body.ChannelID, actor)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		return &addOutput{Body: c}, nil
	})

	type removeInput struct {
		ChannelID string `path:"channelID"`
	}
	type removeOutput struct {
		Body struct {
			Heir domain.Curator `json:"heir"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "remove-curator",
		Method:      http.MethodDelete,
		Path:        "/curators/{channelID}",
		Summary:     "Remove a curator, reassigning their participants",
	}, func(ctx context.Context, in *removeInput) (*removeOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		heir, err := e.RemoveCurator(ctx, in.ChannelID, actorID(ctx))
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &removeOutput{}
		out.Body.Heir = heir
		return out, nil
	})

	type tokenInput struct {
		ChannelID string `path:"channelID"`
	}
	type tokenOutput struct {
		Body struct {
			Token string `json:"token"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "mint-curator-token",
		Method:        http.MethodPost,
		Path:          "/curators/{channelID}/tokens",
		Summary:       "Mint an API token for a curator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *tokenInput) (*tokenOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		token, err := e.MintCuratorToken(ctx, in.ChannelID, actorID(ctx))
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &tokenOutput{}
		out.Body.Token = token
		return out, nil
	})

	type inviteOutput struct {
		Body struct {
			Token string `json:"token"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "mint-curator-invite",
		Method:        http.MethodPost,
		Path:          "/curators/invites",
		Summary:       "Mint a one-shot curator invite token",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*inviteOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		token, err := e.MintInviteToken(ctx, actorID(ctx))
		if err != nil {
			return nil, err
		}
		out := &inviteOutput{}
		out.Body.Token = token
		return out, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	type nextInput struct {
		ChannelID string `path:"channelID"`
	}
	type nextOutput struct {
		Body struct {
			Item      engine.ReviewItem   `json:"item"`
			Rendering transport.Rendering `json:"rendering"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "next-for-review",
		Method:      http.MethodGet,
		Path:        "/curators/{channelID}/queue/next",
		Summary:     "Oldest pending submission in the curator's queue",
	}, func(ctx context.Context, in *nextInput) (*nextOutput, error) {
		if err := requireCurator(ctx, in.ChannelID); err != nil {
			return nil, err
		}
		item, err := e.NextForCurator(ctx, in.ChannelID)
		if err != nil {
			return nil, mapDomainErr(err)
		}
		out := &nextOutput{}
		out.Body.Item = item
		out.Body.Rendering = transport.RenderReviewItem(item)
		return out, nil
	})

	type decisionInput struct {
		ID   string `path:"id"`
		Body struct {
			Accept bool   `json:"accept"`
			Reason string `json:"reason,omitempty"`
		}
	}
	type decisionOutput struct {
		Body engine.Decision
	}
	huma.Register(api, huma.Operation{
		OperationID: "decide-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/decision",
		Summary:     "Accept or reject a pending submission",
	}, func(ctx context.Context, in *decisionInput) (*decisionOutput, error) {
		p, ok := principalFromContext(ctx)
		if !ok || (!p.Admin && !p.Curator) {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "curator token required", nil)
		}
		if !in.Body.Accept && in.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "reason_required", "a rejection needs a reason", nil)
		}
		var (
			d   engine.Decision
			err error
		)
		if in.Body.Accept {
			d, err = e.Accept(ctx, in.ID, p.ActorID)
		} else {
			d, err = e.Reject(ctx, in.ID, in.Body.Reason, p.ActorID)
		}
		if err != nil {
			return nil, mapDomainErr(err)
		}
		return &decisionOutput{Body: d}, nil
	})
}

func registerStandings(api huma.API, e engine.Engine) {
	type standingsOutput struct {
		Body struct {
			Rows []domain.StandingsRow `json:"rows"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "standings",
		Method:      http.MethodGet,
		Path:        "/standings",
		Summary:     "Ranked contest standings",
	}, func(ctx context.Context, _ *struct{}) (*standingsOutput, error) {
		rows, err := e.Standings(ctx)
		if err != nil {
			return nil, err
		}
		out := &standingsOutput{}
		out.Body.Rows = rows
		return out, nil
	})

	type loadsOutput struct {
		Body struct {
			Loads []domain.CuratorLoad `json:"loads"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "curator-loads",
		Method:      http.MethodGet,
		Path:        "/curators/loads",
		Summary:     "Pending queue depth per curator",
	}, func(ctx context.Context, _ *struct{}) (*loadsOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		loads, err := e.CuratorLoads(ctx)
		if err != nil {
			return nil, err
		}
		out := &loadsOutput{}
		out.Body.Loads = loads
		return out, nil
	})
}

func actorID(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return "anonymous"
}
