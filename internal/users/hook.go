package users

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler serves POST /users/{id}/modified?mutation=<name>. The auth
// service calls it after committing a change. It answers once the event
// is published. The caller's traceparent is the parent of the publish span.
func Handler(n *Notifier, opts ...otelhttp.Option) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/{id}/modified", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "user id must be a positive integer")
			return
		}
		mutation := Mutation(r.URL.Query().Get("mutation"))
		if mutation == "" {
			mutation = MutationUpdate
		}

		err = n.UserModified(r.Context(), id, mutation)
		switch {
		case errors.Is(err, ErrUnknownUser):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	})
	return otelhttp.NewHandler(mux, "users.modified", opts...)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
