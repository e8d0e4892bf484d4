package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/data"
	"loci.chat/spatial"
)

// MaxUploadSize bounds image and audio uploads.
const MaxUploadSize = 10 << 20 // 10MB

// Handler carries the collaborators the HTTP surface needs.
type Handler struct {
	srv      *Server
	identity *auth.Provider
	store    *data.Store
	blobs    *data.Blobs
	places   *spatial.Places
	pusher   *Pusher
	log      zerolog.Logger
}

// NewHandler wires the HTTP surface.
func NewHandler(srv *Server, identity *auth.Provider, store *data.Store, blobs *data.Blobs, places *spatial.Places, pusher *Pusher, log zerolog.Logger) *Handler {
	return &Handler{
		srv:      srv,
		identity: identity,
		store:    store,
		blobs:    blobs,
		places:   places,
		pusher:   pusher,
		log:      log,
	}
}

// NewRouter builds the chi router for the handler.
func NewRouter(h *Handler, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Post("/register", h.Register)

	r.Get("/rooms/{room}/socket", h.Socket)
	r.Get("/rooms/{room}/history", h.History)

	r.Get("/nearby", h.Nearby)
	r.Post("/places", h.CreatePlace)

	r.Post("/upload", h.Upload)
	r.Get("/blobs/{ref}", h.Blob)

	r.Get("/push/key", h.PushKey)
	r.Post("/push/subscribe", h.PushSubscribe)
	r.Delete("/push/subscribe", h.PushUnsubscribe)

	return r
}

// requestLogger logs completed requests with zerolog.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// credentials extracts the bearer token from the request: Authorization
// header, token query param, or the websocket subprotocol trick.
func credentials(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	for _, p := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(p, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "token.") {
				return strings.TrimPrefix(part, "token.")
			}
		}
	}
	return ""
}

func (h *Handler) resolve(r *http.Request) (auth.Identity, error) {
	return h.identity.Resolve(credentials(r))
}

// Health reports liveness and room occupancy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  h.srv.Rooms(),
	})
}

// Register creates an identity and issues its token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
		AvatarRef   string `json:"avatar_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, "display_name required")
		return
	}

	identity := auth.Identity{
		ID:          uuid.New().String(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		AvatarRef:   req.AvatarRef,
	}

	if err := h.store.SaveIdentity(r.Context(), identity); err != nil {
		h.log.Error().Err(err).Msg("save identity")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	token, err := h.identity.Issue(identity)
	if err != nil {
		h.log.Error().Err(err).Msg("issue token")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"token":    token,
	})
}

// Socket is the room connection handshake. Identity is resolved before
// the upgrade; without it no session is ever created.
func (h *Handler) Socket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	roomID := chi.URLParam(r, "room")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room required")
		return
	}
	if !IsWebSocket(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	var pos spatial.Position
	if lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64); err1 == nil {
		if lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64); err2 == nil {
			pos = spatial.Position{lon, lat}
		}
	}

	serveSocket(w, r, h.srv, roomID, identity, pos, h.log)
}

// History returns the replay window for a room without connecting.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolve(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	roomID := chi.URLParam(r, "room")
	room, ok := h.srv.Lookup(roomID)
	if !ok {
		writeJSON(w, http.StatusOK, &Event{Type: EventHistory, Messages: []*Message{}})
		return
	}

	msgs := room.History()
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, &Event{Type: EventHistory, Messages: msgs})
}

// Nearby lists places around a position, each with its room key.
func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lon required")
		return
	}

	radius := 1000.0
	if v, err := strconv.ParseFloat(r.URL.Query().Get("radius"), 64); err == nil && v > 0 {
		radius = v
	}

	places := h.places.FindNearby(spatial.Position{lon, lat}, radius, 25)

	type nearbyPlace struct {
		*spatial.Place
		Room string `json:"room"`
	}
	out := make([]nearbyPlace, 0, len(places))
	for _, p := range places {
		out = append(out, nearbyPlace{Place: p, Room: p.Room()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"places": out})
}

// CreatePlace registers a business in the index.
func (h *Handler) CreatePlace(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolve(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var place spatial.Place
	if err := json.NewDecoder(r.Body).Decode(&place); err != nil || strings.TrimSpace(place.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := h.places.Upsert(&place); err != nil {
		writeError(w, http.StatusBadRequest, "invalid coordinates")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"place": &place,
		"room":  place.Room(),
	})
}

// Upload stores a blob and returns the URL to submit as message content.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolve(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	ref, err := h.blobs.Store(content)
	if err != nil {
		h.log.Error().Err(err).Msg("store blob")
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ref": ref,
		"url": "/blobs/" + ref,
	})
}

// Blob serves stored content.
func (h *Handler) Blob(w http.ResponseWriter, r *http.Request) {
	content, err := h.blobs.Fetch(chi.URLParam(r, "ref"))
	if errors.Is(err, data.ErrBadRef) {
		writeError(w, http.StatusBadRequest, "bad reference")
		return
	}
	if errors.Is(err, data.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(content))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(content)
}

// PushKey returns the VAPID public key, empty when push is disabled.
func (h *Handler) PushKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"key": h.pusher.PublicKey()})
}

// PushSubscribe stores a web push subscription for a room.
func (h *Handler) PushSubscribe(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var sub data.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Room == "" || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "room and endpoint required")
		return
	}
	sub.IdentityID = identity.ID

	if err := h.store.SavePushSubscription(r.Context(), &sub); err != nil {
		h.log.Error().Err(err).Msg("save push subscription")
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// PushUnsubscribe removes the caller's subscription.
func (h *Handler) PushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := h.store.DeletePushSubscription(r.Context(), identity.ID); err != nil {
		h.log.Error().Err(err).Msg("delete push subscription")
		writeError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
