package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-lti-tool/internal/assessment"
	auth "github.com/mind-engage/mindengage-lti-tool/internal/auth/middleware"
	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

// Submitter sends an assessment's score to the gradebook.
type Submitter interface {
	Submit(ctx context.Context, id string) (assessment.Result, error)
}

// Routes mounts the quiz UI API. Every route expects auth.JWTMiddleware in front.
func Routes(store assessment.Store, sub Submitter) http.Handler {
	r := chi.NewRouter()
	r.Get("/me", MeHandler())
	r.Route("/assessments", func(ar chi.Router) {
		ar.Get("/", ListAssessmentsHandler(store))
		ar.Post("/", CreateAssessmentHandler(store))
		ar.Get("/{id}", GetAssessmentHandler(store))
		ar.Post("/{id}/submit", SubmitAssessmentHandler(store, sub))
	})
	return r
}

// GET /me
func MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lc, ok := auth.LaunchFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no launch session")
			return
		}
		writeJSON(w, http.StatusOK, lc)
	}
}

type createAssessmentReq struct {
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// POST /assessments
// Identity, course, resource link and line item come from the launch session,
// never from the body.
func CreateAssessmentHandler(store assessment.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lc, ok := auth.LaunchFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no launch session")
			return
		}
		var in createAssessmentReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
		n := assessment.NewAssessment{
			UserID:           lc.UserID,
			CourseID:         lc.CourseID,
			ResourceLinkID:   lc.ResourceLinkID,
			LineItemURL:      lc.LineItemURL,
			Issuer:           lc.Issuer,
			ClientID:         lc.ClientID,
			DeploymentID:     lc.DeploymentID,
			ScoreGiven:       in.ScoreGiven,
			ScoreMaximum:     in.ScoreMaximum,
			Comment:          in.Comment,
			ActivityProgress: in.ActivityProgress,
			GradingProgress:  in.GradingProgress,
		}
		a, err := store.Create(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_assessment", err.Error())
			return
		}
		logger.C(r.Context()).Info().Str("assessment_id", a.ID).Str("user_id", a.UserID).Msg("assessment recorded")
		writeJSON(w, http.StatusCreated, a)
	}
}

// GET /assessments lists the caller's own assessments.
func ListAssessmentsHandler(store assessment.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lc, ok := auth.LaunchFromContext(r.Context())
		if !ok || lc.UserID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no launch session")
			return
		}
		list, err := store.FindByUser(r.Context(), lc.UserID)
		if err != nil {
			logger.C(r.Context()).Error().Err(err).Msg("list assessments")
			writeError(w, http.StatusInternalServerError, string(lti.KindInternal), "internal error")
			return
		}
		// sub is only unique within one platform
		out := make([]assessment.Assessment, 0, len(list))
		for _, a := range list {
			if a.Issuer == lc.Issuer {
				out = append(out, a)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GET /assessments/{id}
func GetAssessmentHandler(store assessment.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

type submitResp struct {
	Message    string                `json:"message,omitempty"`
	Error      string                `json:"error,omitempty"`
	Assessment assessment.Assessment `json:"assessment"`
}

// POST /assessments/{id}/submit
func SubmitAssessmentHandler(store assessment.Store, sub Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		res, err := sub.Submit(r.Context(), a.ID)
		if err != nil {
			if res.Assessment.ID == "" {
				res.Assessment = a
			}
			kind := lti.KindOf(err)
			logger.C(r.Context()).Warn().Err(err).Str("assessment_id", a.ID).Str("kind", string(kind)).Msg("submit failed")
			writeJSON(w, lti.HTTPStatus(kind), submitResp{
				Error:      string(kind),
				Message:    submitFailureMessage(kind),
				Assessment: res.Assessment,
			})
			return
		}
		if res.AlreadySubmitted {
			writeJSON(w, http.StatusOK, submitResp{Message: assessment.ErrAlreadySubmitted.Error(), Assessment: res.Assessment})
			return
		}
		writeJSON(w, http.StatusOK, submitResp{Message: "grade submitted", Assessment: res.Assessment})
	}
}

// submitFailureMessage is what the UI sees; platform response bodies stay in
// the record's passbackError and the logs.
func submitFailureMessage(kind lti.ErrorKind) string {
	switch kind {
	case lti.KindTokenRequestFailed:
		return "could not obtain a gradebook token from the platform"
	case lti.KindPassbackFailed:
		return "the platform rejected the grade"
	case lti.KindAmbiguousLineItem:
		return "this activity has no single gradebook column"
	case lti.KindUnknownPlatform:
		return "the platform for this launch is no longer registered"
	default:
		return "grade passback failed"
	}
}

// loadOwned fetches the {id} assessment and checks it belongs to the caller.
// Someone else's record is reported as missing.
func loadOwned(w http.ResponseWriter, r *http.Request, store assessment.Store) (assessment.Assessment, bool) {
	lc, ok := auth.LaunchFromContext(r.Context())
	if !ok || lc.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no launch session")
		return assessment.Assessment{}, false
	}
	a, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, assessment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "assessment not found")
		return assessment.Assessment{}, false
	case err != nil:
		logger.C(r.Context()).Error().Err(err).Msg("load assessment")
		writeError(w, http.StatusInternalServerError, string(lti.KindInternal), "internal error")
		return assessment.Assessment{}, false
	}
	if a.UserID != lc.UserID || a.Issuer != lc.Issuer {
		writeError(w, http.StatusNotFound, "not_found", "assessment not found")
		return assessment.Assessment{}, false
	}
	return a, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
