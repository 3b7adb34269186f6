package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"clanforge/hub/internal/ingress"
	"clanforge/hub/internal/logging"
)

// EventIntake receives typed backend events and routes them into the fan-out
// pipeline.
type EventIntake interface {
	HandleUser(event ingress.UserEvent) error
	HandleClan(event ingress.ClanEvent) error
	HandleVoting(event ingress.VotingEvent) error
	HandleContent(event ingress.ContentEvent) error
	HandleSystem(event ingress.SystemEvent) error
}

// IntakeHandler accepts a POST of one typed backend event per request. The
// family comes from the route, the event from the JSON body. Backend services
// authenticate with the admin token.
func (h *HandlerSet) IntakeHandler(family string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if !h.admitAdmin(w, r, "intake:"+family) {
			return
		}
		if h.intake == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "intake unavailable"})
			return
		}

		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()

		var err error
		switch family {
		case "user":
			var event ingress.UserEvent
			if err = decoder.Decode(&event); err == nil {
				err = h.intake.HandleUser(event)
			}
		case "clan":
			var event ingress.ClanEvent
			if err = decoder.Decode(&event); err == nil {
				err = h.intake.HandleClan(event)
			}
		case "voting":
			var event ingress.VotingEvent
			if err = decoder.Decode(&event); err == nil {
				err = h.intake.HandleVoting(event)
			}
		case "content":
			var event ingress.ContentEvent
			if err = decoder.Decode(&event); err == nil {
				err = h.intake.HandleContent(event)
			}
		case "system":
			var event ingress.SystemEvent
			if err = decoder.Decode(&event); err == nil {
				err = h.intake.HandleSystem(event)
			}
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown event family"})
			return
		}

		if err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, ingress.ErrBadEvent) {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
					status = http.StatusInternalServerError
				}
			}
			h.logger.Warn("event intake rejected",
				logging.String("family", family),
				logging.Error(err))
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}
}
