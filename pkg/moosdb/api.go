package moosdb

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moosgo/moos/internal/httputil"
	"github.com/moosgo/moos/internal/metrics"
)

// API serves the database status over HTTP.
type API struct {
	db *DB
	h  http.Handler
}

// NewAPI creates an API over db. m may be nil.
func NewAPI(db *DB, m metrics.Recorder) *API {
	a := &API{db: db}
	a.h = metrics.Handler(m, a.router())
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.h.ServeHTTP(w, r)
}

func (a *API) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(10 * time.Second))
	r.Get("/clients", a.getClients())
	r.Get("/clients/{name}", a.getClient())
	r.Get("/variables", a.getVariables())
	r.Get("/variables/{name}", a.getVariable())
	r.Put("/variables/{name}", a.putVariable())
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *API) getClients() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.db.ClientStatus())
	}
}

func (a *API) getClient() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, s := range a.db.ClientStatus() {
			if s.Name == name {
				httputil.WriteJSON(w, r, http.StatusOK, s)
				return
			}
		}
		httputil.WriteJSON(w, r, http.StatusNotFound, fmt.Errorf("no client named %s", name))
	}
}

func (a *API) getVariables() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.db.Variables())
	}
}

func (a *API) getVariable() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		v, ok := a.db.Variable(name)
		if !ok {
			httputil.WriteJSON(w, r, http.StatusNotFound, fmt.Errorf("no variable named %s", name))
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, v)
	}
}

// putVariable pokes a variable. The body is {"value": <number|string>}.
func (a *API) putVariable() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqBody struct {
			Value interface{} `json:"value"`
		}
		if err := httputil.ReadJSON(r, &reqBody); err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		switch reqBody.Value.(type) {
		case float64, string:
		default:
			httputil.WriteJSON(w, r, http.StatusBadRequest,
				fmt.Errorf("value must be a number or a string, got %T", reqBody.Value))
			return
		}
		name := chi.URLParam(r, "name")
		a.db.Publish(name, reqBody.Value)
		v, _ := a.db.Variable(name)
		httputil.WriteJSON(w, r, http.StatusOK, v)
	}
}
