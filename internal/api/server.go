// Package api implements the Firma-Sign REST API using the chi router. It
// registers route groups for connections, peers, groups, transports, and
// transfers under /api/, applies logging/recovery/CORS/rate-limit
// middleware, and exposes the JSON response helpers every handler shares
// through internal/api/apiutil.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/FirmaChain/firma-sign-sub001/internal/api/apiutil"
	"github.com/FirmaChain/firma-sign-sub001/internal/auth"
	"github.com/FirmaChain/firma-sign-sub001/internal/config"
	"github.com/FirmaChain/firma-sign-sub001/internal/database"
	"github.com/FirmaChain/firma-sign-sub001/internal/documents"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/gateway"
	"github.com/FirmaChain/firma-sign-sub001/internal/groups"
	fsmiddleware "github.com/FirmaChain/firma-sign-sub001/internal/middleware"

	"github.com/FirmaChain/firma-sign-sub001/internal/messages"
	"github.com/FirmaChain/firma-sign-sub001/internal/models"
	"github.com/FirmaChain/firma-sign-sub001/internal/peers"
	"github.com/FirmaChain/firma-sign-sub001/internal/presence"
	"github.com/FirmaChain/firma-sign-sub001/internal/transfers"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// WriteJSON re-exports apiutil.WriteJSON so existing call sites in this
// package (and its tests) can use the short name.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	apiutil.WriteJSON(w, status, data)
}

// Server is the HTTP API server: chi router, every domain service, and the
// shared infrastructure (auth, events, rate limiting) handlers depend on.
type Server struct {
	Router *chi.Mux

	DB       *database.DB
	Config   *config.Config
	Auth     *auth.Service
	Events   *events.Bus
	Cache    *presence.Cache
	Registry *transport.Registry
	Gateway  *gateway.Gateway

	Peers     *peers.Service
	Documents *documents.Service
	Messages  *messages.Service
	Groups    *groups.Service
	Transfers *transfers.Service

	Version string
	Logger  *slog.Logger
	server  *http.Server
}

// NewServer wires every domain service into a chi router with the full
// route tree from spec.md §6.
func NewServer(db *database.DB, cfg *config.Config, authSvc *auth.Service, bus *events.Bus, cache *presence.Cache,
	registry *transport.Registry, gw *gateway.Gateway,
	peerSvc *peers.Service, docSvc *documents.Service, msgSvc *messages.Service, groupSvc *groups.Service, xferSvc *transfers.Service,
	version string, logger *slog.Logger) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		DB:        db,
		Config:    cfg,
		Auth:      authSvc,
		Events:    bus,
		Cache:     cache,
		Registry:  registry,
		Gateway:   gw,
		Peers:     peerSvc,
		Documents: docSvc,
		Messages:  msgSvc,
		Groups:    groupSvc,
		Transfers: xferSvc,
		Version:   version,
		Logger:    logger,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(fsmiddleware.CorrelationID)
	s.Router.Use(requestCounter)
	s.Router.Use(fsmiddleware.TracingLogger(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(corsMiddleware())
	s.Router.Use(middleware.Timeout(30 * time.Second))
	if s.Cache != nil {
		s.Router.Use(s.rateLimitMiddleware)
	}
}

func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/health/deep", s.handleDeepHealthCheck)
	s.Router.Get("/metrics", s.handleMetrics)

	if s.Gateway != nil {
		s.Router.Handle("/ws", s.Gateway)
	}

	s.Router.Route("/api", func(r chi.Router) {
		r.Use(auth.OptionalAuth(s.Auth))

		r.Route("/connections", func(r chi.Router) {
			r.Post("/initialize", s.handleConnectionsInitialize)
			r.Get("/status", s.handleConnectionsStatus)
		})

		r.Route("/peers", func(r chi.Router) {
			r.Post("/discover", s.handlePeersDiscover)
			r.Get("/{id}", s.handlePeerGet)
			r.Post("/{id}/connect", s.handlePeerConnect)
			r.Post("/{id}/disconnect", s.handlePeerDisconnect)
			r.Post("/{id}/transfers", s.handlePeerCreateTransfer)
			r.Get("/{id}/transfers", s.handlePeerTransfers)
			r.Post("/{id}/messages", s.handlePeerSendMessage)
			r.Get("/{id}/messages", s.handlePeerMessages)
			r.Post("/{id}/messages/read", s.handlePeerMessagesRead)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", s.handleGroupCreate)
			r.Get("/{id}", s.handleGroupGet)
			r.Get("/{id}/members", s.handleGroupMembers)
			r.Post("/{id}/send", s.handleGroupSend)
			r.Post("/{id}/members", s.handleGroupAddMember)
			r.Delete("/{id}/members/{peerId}", s.handleGroupRemoveMember)
			r.Delete("/{id}", s.handleGroupDelete)
		})

		r.Route("/transports", func(r chi.Router) {
			r.Get("/available", s.handleTransportsAvailable)
			r.Get("/p2p/network", s.handleP2PNetwork)
			r.Get("/email/queue", s.handleEmailQueue)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/create", s.handleTransferCreate)
			r.Get("/", s.handleTransferList)
			r.Get("/{id}", s.handleTransferGet)
			r.Post("/{id}/sign", s.handleTransferSign)
			r.Get("/{id}/documents/{docId}", s.handleTransferDocument)
		})
	})
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestCounter feeds GlobalMetrics' HTTP counters; structured per-request
// logging itself is handled by fsmiddleware.TracingLogger.
func requestCounter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		GlobalMetrics.HTTPRequestsTotal.Add(1)
		GlobalMetrics.HTTPRequestDuration.Add(time.Since(start).Microseconds())
	})
}

// corsMiddleware allows browser clients (the document editor UI) to call
// the API from a different origin during development.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ---- Connections ----

type initializeRequest struct {
	Transports []string                   `json:"transports"`
	Config     map[string]json.RawMessage `json:"config"`
}

func (s *Server) handleConnectionsInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Transports) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "transports is required")
		return
	}
	configs := make(map[string]json.RawMessage, len(req.Transports))
	for _, name := range req.Transports {
		if cfg, ok := req.Config[name]; ok {
			configs[name] = cfg
		} else {
			configs[name] = json.RawMessage("{}")
		}
	}
	s.Registry.InitializeAll(r.Context(), configs)
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"statuses": s.Registry.Statuses()})
}

func (s *Server) handleConnectionsStatus(w http.ResponseWriter, r *http.Request) {
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"statuses": s.Registry.Statuses()})
}

// ---- Peers ----

type discoverRequest struct {
	Transports []string          `json:"transports,omitempty"`
	Query      string            `json:"query,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

func (s *Server) handlePeersDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	list, err := s.Peers.DiscoverPeers(r.Context())
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"peers": list})
}

func (s *Server) handlePeerGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	peer, err := s.Peers.GetPeerDetails(r.Context(), id)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, peer)
}

type connectRequest struct {
	Transport          string   `json:"transport"`
	FallbackTransports []string `json:"fallbackTransports,omitempty"`
}

func (s *Server) handlePeerConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req connectRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "transport", req.Transport) {
		return
	}
	conn, err := s.Peers.ConnectToPeer(r.Context(), id, req.Transport)
	if err != nil {
		for _, fb := range req.FallbackTransports {
			conn, err = s.Peers.ConnectToPeer(r.Context(), id, fb)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, conn)
}

func (s *Server) handlePeerDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Transport string `json:"transport"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.Peers.DisconnectFromPeer(r.Context(), id, req.Transport); err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type peerTransferRequest struct {
	Documents []struct {
		Name string `json:"name"`
		Data string `json:"data"` // base64
	} `json:"documents"`
	Transport          string          `json:"transport"`
	Options            json.RawMessage `json:"options,omitempty"`
	FallbackTransports []string        `json:"fallbackTransports,omitempty"`
}

func (s *Server) handlePeerCreateTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req peerTransferRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "documents is required")
		return
	}
	docs := make([]transfers.DocumentInput, 0, len(req.Documents))
	for _, d := range req.Documents {
		data, derr := decodeBase64(d.Data)
		if derr != nil {
			apiutil.WriteErrorDetails(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid document data", map[string]string{"field": "documents.data"})
			return
		}
		docs = append(docs, transfers.DocumentInput{FileName: d.Name, Data: data, Category: models.CategorySent})
	}
	xfer, err := s.Transfers.CreateTransfer(r.Context(), transfers.CreateInput{
		Type:      models.TransferOutgoing,
		Metadata:  req.Options,
		Documents: docs,
		Recipients: []transfers.RecipientInput{{
			Identifier: id,
			Transport:  req.Transport,
		}},
	})
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transferId": xfer.ID, "code": xfer.Code, "status": "created"})
}

func (s *Server) handlePeerTransfers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseLimit(r, 50)
	ids, err := s.Peers.GetPeerTransfers(r.Context(), id, limit)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transferIds": ids})
}

type sendMessageRequest struct {
	Content     string               `json:"content"`
	Type        string               `json:"type"`
	Transport   string               `json:"transport"`
	Attachments []models.Attachment  `json:"attachments,omitempty"`
	Encrypted   bool                 `json:"encrypted,omitempty"`
}

func (s *Server) handlePeerSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	self := auth.PeerIDFromContext(r.Context())
	var req sendMessageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	msg, err := s.Messages.SendMessage(r.Context(), messages.SendInput{
		FromPeerID:  self,
		ToPeerID:    id,
		Content:     req.Content,
		Type:        req.Type,
		Transport:   req.Transport,
		Attachments: req.Attachments,
		Encrypted:   req.Encrypted,
	})
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": msg.ID, "status": msg.Status, "timestamp": msg.CreatedAt})
}

func (s *Server) handlePeerMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	self := auth.PeerIDFromContext(r.Context())
	limit := parseLimit(r, 50)
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = time.UnixMilli(ms)
		}
	}
	msgs, hasMore, err := s.Messages.GetMessageHistory(r.Context(), self, id, limit, before)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "hasMore": hasMore})
}

func (s *Server) handlePeerMessagesRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	self := auth.PeerIDFromContext(r.Context())
	var req struct {
		MessageIDs []string `json:"messageIds,omitempty"`
		ReadAll    bool     `json:"readAll,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var (
		n   int64
		err error
	)
	if len(req.MessageIDs) > 0 {
		n, err = s.Messages.MarkMessagesAsReadByIDs(r.Context(), self, req.MessageIDs)
	} else {
		n, err = s.Messages.MarkMessagesAsRead(r.Context(), self, id)
	}
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"updated": n, "readAt": time.Now().UTC()})
}

// ---- Groups ----

type createGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []struct {
		PeerID string `json:"peerId"`
		Role   string `json:"role"`
	} `json:"members,omitempty"`
	Settings models.GroupSettings `json:"settings,omitempty"`
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	owner := auth.PeerIDFromContext(r.Context())
	var req createGroupRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "name", req.Name) {
		return
	}
	members := make([]groups.MemberInput, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, groups.MemberInput{PeerID: m.PeerID, Role: m.Role})
	}
	group, err := s.Groups.CreateGroup(r.Context(), groups.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		OwnerPeerID: owner,
		Settings:    req.Settings,
		Members:     members,
	})
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	group, err := s.Groups.GetGroup(r.Context(), id)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	group, err := s.Groups.GetGroup(r.Context(), id)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"members": group.Members})
}

type groupSendRequest struct {
	Type      string `json:"type"`
	Documents []struct {
		Name string `json:"name"`
		Data string `json:"data"`
	} `json:"documents,omitempty"`
	Message        string   `json:"message,omitempty"`
	Transport      string   `json:"transport"`
	ExcludeMembers []string `json:"excludeMembers,omitempty"`
}

func (s *Server) handleGroupSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sender := auth.PeerIDFromContext(r.Context())
	var req groupSendRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	docs := make([]transfers.DocumentInput, 0, len(req.Documents))
	for _, d := range req.Documents {
		data, derr := decodeBase64(d.Data)
		if derr != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid document data")
			return
		}
		docs = append(docs, transfers.DocumentInput{FileName: d.Name, Data: data, Category: models.CategorySent})
	}
	results, err := s.Groups.SendToGroup(r.Context(), groups.SendInput{
		GroupID:        id,
		SenderPeerID:   sender,
		Type:           req.Type,
		Content:        req.Message,
		Documents:      docs,
		Transport:      req.Transport,
		ExcludeMembers: req.ExcludeMembers,
	}, s.Messages, s.Transfers)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleGroupAddMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		PeerID string `json:"peerId"`
		Role   string `json:"role"`
	}
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	member, err := s.Groups.AddMemberToGroup(r.Context(), id, req.PeerID, req.Role)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, member)
}

func (s *Server) handleGroupRemoveMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	peerID := chi.URLParam(r, "peerId")
	if err := s.Groups.RemoveMemberFromGroup(r.Context(), id, peerID); err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Groups.DeleteGroup(r.Context(), id); err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

// ---- Transports ----

func (s *Server) handleTransportsAvailable(w http.ResponseWriter, r *http.Request) {
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transports": s.Registry.Statuses()})
}

func (s *Server) handleP2PNetwork(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Registry.Get(transport.NameP2P)
	if !ok {
		apiutil.WriteError(w, http.StatusServiceUnavailable, "TRANSPORT_NOT_AVAILABLE", "p2p transport is not initialized")
		return
	}
	peersList, _ := s.Registry.DiscoverPeers(r.Context())
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": t.GetStatus(), "peers": peersList})
}

func (s *Server) handleEmailQueue(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Registry.Get(transport.NameEmail)
	if !ok {
		apiutil.WriteError(w, http.StatusServiceUnavailable, "TRANSPORT_NOT_AVAILABLE", "email transport is not initialized")
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": t.GetStatus()})
}

// ---- Transfers ----

type createTransferRequest struct {
	Documents []struct {
		Name string `json:"name"`
		Data string `json:"data"`
	} `json:"documents"`
	Recipients []struct {
		Identifier  string          `json:"identifier"`
		Transport   string          `json:"transport"`
		Preferences json.RawMessage `json:"preferences,omitempty"`
	} `json:"recipients"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleTransferCreate(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "documents is required")
		return
	}
	if len(req.Recipients) == 0 {
		apiutil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "recipients is required")
		return
	}
	docs := make([]transfers.DocumentInput, 0, len(req.Documents))
	for _, d := range req.Documents {
		data, derr := decodeBase64(d.Data)
		if derr != nil {
			apiutil.WriteErrorDetails(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid document data", map[string]string{"field": "documents.data"})
			return
		}
		docs = append(docs, transfers.DocumentInput{FileName: d.Name, Data: data, Category: models.CategoryUploaded})
	}
	recipients := make([]transfers.RecipientInput, 0, len(req.Recipients))
	for _, rc := range req.Recipients {
		recipients = append(recipients, transfers.RecipientInput{Identifier: rc.Identifier, Transport: rc.Transport, Preferences: rc.Preferences})
	}
	xfer, err := s.Transfers.CreateTransfer(r.Context(), transfers.CreateInput{
		Type:       models.TransferOutgoing,
		Metadata:   req.Metadata,
		Documents:  docs,
		Recipients: recipients,
	})
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transferId": xfer.ID, "code": xfer.Code, "status": "created"})
}

func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Transfers.ListTransfers(r.Context(), q.Get("type"), q.Get("status"), parseLimit(r, 50))
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transfers": list})
}

func (s *Server) handleTransferGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	xfer, err := s.Transfers.GetTransfer(r.Context(), id)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, xfer)
}

type signRequest struct {
	Signatures []struct {
		DocumentID string `json:"documentId"`
		Signature  string `json:"signature"`
		Status     string `json:"status"`
		SignedBy   string `json:"signedBy,omitempty"`
	} `json:"signatures"`
	ReturnTransport string `json:"returnTransport,omitempty"`
}

func (s *Server) handleTransferSign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req signRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	sigs := make([]transfers.DocumentSignature, 0, len(req.Signatures))
	for _, sig := range req.Signatures {
		sigs = append(sigs, transfers.DocumentSignature{DocumentID: sig.DocumentID, Status: sig.Status, SignedBy: sig.SignedBy})
	}
	_, err := s.Transfers.SignDocuments(r.Context(), transfers.SignInput{
		TransferID:      id,
		Signatures:      sigs,
		ReturnTransport: req.ReturnTransport,
	})
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleTransferDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docId")
	doc, err := s.Documents.GetDocument(r.Context(), docID)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	data, err := s.Documents.GetDocumentBytes(doc)
	if err != nil {
		apiutil.WriteAppError(w, s.Logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+doc.FileName+"\"")
	w.Write(data)
}

// ---- helpers ----

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
