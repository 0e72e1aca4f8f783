package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/meridian-host/meridian-pds/internal/account"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)

	// Sync endpoints are public: relays and other PDSes consume them.
	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)

	// --- Session endpoints ---
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession, s.requireRefresh)
	s.echo.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)

	// --- Authenticated repo operations ---
	authed := s.echo.Group("", s.requireAuth)
	authed.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccountXRPC)
	authed.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	authed.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	authed.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	authed.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	authed.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	authed.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	authed.POST("/xrpc/com.atproto.repo.importRepo", s.handleImportRepo)
	authed.GET("/xrpc/com.atproto.repo.listMissingBlobs", s.handleListMissingBlobs)
	authed.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)

	// --- Management API (admin auth required) ---
	admin := s.echo.Group("", s.adminAuth)
	admin.POST("/xrpc/host.meridian.pds.createAccount", s.handleAdminCreateAccount)
	admin.GET("/xrpc/host.meridian.pds.listAccounts", s.handleAdminListAccounts)
	admin.GET("/xrpc/host.meridian.pds.getAccount", s.handleAdminGetAccount)
	admin.POST("/xrpc/host.meridian.pds.updateAccountStatus", s.handleAdminUpdateAccountStatus)
	admin.POST("/xrpc/host.meridian.pds.deleteAccount", s.handleAdminDeleteAccount)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
	})
}

// handleAtprotoDID resolves a DID for the handle implied by the Host
// header. The Host header (e.g., "alice.pds.example.com") is looked up
// in the accounts table to find the corresponding DID.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	handle := stripPort(c.Request().Host)

	did, err := s.accounts.ResolveHandle(c.Request().Context(), handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.String(http.StatusOK, did)
}

// stripPort removes a trailing :port from a Host header value.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
