package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/veildrop/veildrop/internal/cipher"
	"github.com/veildrop/veildrop/internal/hub"
	"github.com/veildrop/veildrop/store"
)

// Largest JSON request body accepted by the API.
const maxReqBody = 64 * 1024

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app     *App
	roomKey string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type reqPolicy struct {
	MaxReceivers *int `json:"max_receivers"`
}

type respRoom struct {
	SecretKey string `json:"secret_key"`
}

type respCheck struct {
	Valid bool `json:"valid"`
}

type respStats struct {
	Rooms         int   `json:"rooms"`
	BufferedBytes int64 `json:"buffered_bytes"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleIndex renders the homepage.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	b, err := app.fs.Read("/static/index.html")
	if err != nil {
		app.logger.Errorf("error reading index page: %v", err)
		http.Error(w, "error loading page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b)
}

// handleCreateRoom issues a new room key. The body is optional.
func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	var req reqPolicy
	if r.ContentLength != 0 {
		if err := readJSONReq(r, &req); err != nil && !errors.Is(err, io.EOF) {
			respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
			return
		}
	}

	p := store.Policy{MaxReceivers: app.cfg.MaxReceivers}
	if req.MaxReceivers != nil {
		p.MaxReceivers = *req.MaxReceivers
	}
	if p.MaxReceivers < 0 {
		respondJSON(w, nil, errors.New("invalid max_receivers"), http.StatusBadRequest)
		return
	}

	key, err := app.hub.AddRoom(p)
	if err != nil {
		respondJSON(w, nil, err, http.StatusInternalServerError)
		return
	}
	respondJSON(w, respRoom{SecretKey: key}, nil, http.StatusOK)
}

// handleCheckRoom reports whether a room key is valid.
func handleCheckRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	if ctx.roomKey == "" {
		respondJSON(w, nil, errors.New("room key is required"), http.StatusBadRequest)
		return
	}

	ok, err := app.hub.RoomExists(ctx.roomKey)
	if err != nil {
		app.logger.Errorf("error checking room: %v", err)
		respondJSON(w, nil, errors.New("error checking room"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, respCheck{Valid: ok}, nil, http.StatusOK)
}

// handleRegisterPolicy sets a room's capacity policy.
func handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqPolicy
	if err := readJSONReq(r, &req); err != nil || req.MaxReceivers == nil {
		respondJSON(w, nil, errors.New("max_receivers is required"), http.StatusBadRequest)
		return
	}

	err := app.hub.RegisterPolicy(ctx.roomKey, store.Policy{MaxReceivers: *req.MaxReceivers})
	switch {
	case err == nil:
		respondJSON(w, true, nil, http.StatusOK)
	case errors.Is(err, hub.ErrRoomNotFound):
		respondJSON(w, nil, err, http.StatusNotFound)
	default:
		respondJSON(w, nil, err, http.StatusBadRequest)
	}
}

// handleStats returns the live room and buffer counts.
func handleStats(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app
	respondJSON(w, respStats{
		Rooms:         app.hub.NumRooms(),
		BufferedBytes: app.hub.BufferedBytes(),
	}, nil, http.StatusOK)
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	role, err := hub.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		respondJSON(w, nil, err, http.StatusNotFound)
		return
	}

	// Receivers that send a public key get the file key sealed to it.
	var pubKey []byte
	if s := r.URL.Query().Get("pubkey"); s != "" {
		if pubKey, err = cipher.ParsePublicKey(s); err != nil {
			respondJSON(w, nil, err, http.StatusBadRequest)
			return
		}
	}

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Warnf("websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	if _, _, err := app.hub.Admit(ctx.roomKey, role, ws, pubKey); err != nil {
		app.logger.WithError(err).WithField("role", role.String()).Info("peer rejected")
		app.hub.Reject(ws, err)
	}
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Errorf("error marshalling JSON response: %v", err)
		return
	}
	w.Write(b)
}

// wrap is a middleware that attaches the app and the requested room key to
// handlers. The key comes from the route or the secret_key query param.
func wrap(next http.HandlerFunc, app *App) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{
			app:     app,
			roomKey: chi.URLParam(r, "roomKey"),
		}
		if req.roomKey == "" {
			req.roomKey = r.URL.Query().Get("secret_key")
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxReqBody)).Decode(o)
}
