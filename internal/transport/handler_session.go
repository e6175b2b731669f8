package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

const redacted = "[REDACTED]"

// sessionView hides the values of sensitive fields from responses.
func sessionView(registry *definition.Registry, sess model.Session) model.Session {
	def, ok := registry.GetWizard(sess.WizardID)
	if !ok {
		return sess
	}
	view := sess.Clone()
	for _, step := range def.Steps {
		for _, g := range step.Groups {
			for _, f := range g.Fields {
				if _, set := view.Values[f.Field]; set && f.Sensitive {
					view.Values[f.Field] = redacted
				}
			}
		}
	}
	return view
}

// decodeBody decodes an optional JSON body into dst. An empty body is not
// an error.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func handleStartSession(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Values map[string]any `json:"values"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		sess, err := engine.Start(r.Context(), chi.URLParam(r, "wizardId"), body.Values)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, sessionView(registry, sess))
	}
}

func handleGetSession(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := engine.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sessionView(registry, sess))
	}
}

func handleSetFields(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Values map[string]any `json:"values"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if len(body.Values) == 0 {
			WriteError(w, model.NewBadRequestError("values must not be empty"))
			return
		}

		sess, err := engine.SetFields(r.Context(), chi.URLParam(r, "sessionId"), body.Values)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sessionView(registry, sess))
	}
}

func handleSetVariant(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variant string `json:"variant"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Variant == "" {
			WriteValidationError(w, []model.FieldError{{Field: "variant", Code: model.ErrValidationError, Message: "variant is required"}})
			return
		}

		sess, err := engine.SetVariant(r.Context(), chi.URLParam(r, "sessionId"), body.Variant)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sessionView(registry, sess))
	}
}

// sessionAction adapts an engine operation that takes only the session ID.
func sessionAction(registry *definition.Registry, status int, op func(r *http.Request, id string) (model.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := op(r, chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, status, sessionView(registry, sess))
	}
}

func handleAdvance(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return sessionAction(registry, http.StatusOK, func(r *http.Request, id string) (model.Session, error) {
		return engine.Advance(r.Context(), id)
	})
}

func handleRetreat(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return sessionAction(registry, http.StatusOK, func(r *http.Request, id string) (model.Session, error) {
		return engine.Retreat(r.Context(), id)
	})
}

// handleSubmit starts a submission attempt. The attempt runs in the
// background; clients poll the session for its progress.
func handleSubmit(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return sessionAction(registry, http.StatusAccepted, func(r *http.Request, id string) (model.Session, error) {
		return engine.Submit(r.Context(), id)
	})
}

func handleResume(engine *wizard.Engine, registry *definition.Registry) http.HandlerFunc {
	return sessionAction(registry, http.StatusAccepted, func(r *http.Request, id string) (model.Session, error) {
		return engine.Resume(r.Context(), id)
	})
}

func handleCancelSession(engine *wizard.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Cancel(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleStepSchema returns the fields rendered on the session's current
// step for its selected variant.
func handleStepSchema(engine *wizard.Engine, registry *definition.Registry, resolver *schema.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := engine.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		def, ok := registry.GetWizard(sess.WizardID)
		if !ok {
			WriteError(w, model.NewNotFoundError(fmt.Sprintf("wizard %q not found", sess.WizardID)))
			return
		}
		step, err := resolver.RequiredFieldsFor(def, sess.CurrentStep, sess.Variant)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, step)
	}
}

func handleListWizards(registry *definition.Registry) http.HandlerFunc {
	type wizardSummary struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Steps          int    `json:"steps"`
		DefaultVariant string `json:"default_variant"`
		Checksum       string `json:"checksum"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := registry.AllWizards()
		out := make([]wizardSummary, 0, len(defs))
		for _, d := range defs {
			out = append(out, wizardSummary{
				ID:             d.ID,
				Name:           d.Name,
				Steps:          len(d.Steps),
				DefaultVariant: d.DefaultVariant,
				Checksum:       d.Checksum,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}
