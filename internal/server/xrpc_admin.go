package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/meridian-host/meridian-pds/internal/account"
)

// handleAdminCreateAccount creates an account via the management API.
// POST /xrpc/host.meridian.pds.createAccount
func (s *Server) handleAdminCreateAccount(c echo.Context) error {
	var req struct {
		Handle   string `json:"handle"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	password := req.Password
	generated := ""
	if password == "" {
		var err error
		password, err = account.GeneratePassword()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to generate password",
			})
		}
		generated = password
	}

	ctx := c.Request().Context()
	acct, err := s.accounts.Create(ctx, account.CreateParams{
		Handle:          req.Handle,
		Email:           req.Email,
		Password:        password,
		ServiceEndpoint: s.serviceEndpoint(),
	})
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "HandleTaken",
				"message": "Handle already taken: " + req.Handle,
			})
		}
		log.Printf("Error creating account %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create account",
		})
	}

	if err := s.repos.InitRepo(ctx, s.db.Pool, acct.DID, acct.SigningKey); err != nil {
		log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
	}

	resp := map[string]any{
		"account": acct,
	}
	if generated != "" {
		resp["password"] = generated
	}
	return c.JSON(http.StatusOK, resp)
}

// handleAdminListAccounts returns all accounts.
// GET /xrpc/host.meridian.pds.listAccounts
func (s *Server) handleAdminListAccounts(c echo.Context) error {
	accounts, err := s.accounts.List(c.Request().Context())
	if err != nil {
		log.Printf("Error listing accounts: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list accounts",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accounts": accounts,
	})
}

// handleAdminGetAccount returns one account by handle or DID.
// GET /xrpc/host.meridian.pds.getAccount?identifier=...
func (s *Server) handleAdminGetAccount(c echo.Context) error {
	identifier := c.QueryParam("identifier")
	if identifier == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "identifier query parameter is required",
		})
	}

	acct, err := s.resolveRepo(c, identifier)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found: " + identifier,
			})
		}
		log.Printf("Error getting account %q: %v", identifier, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get account",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"account": acct,
	})
}

// handleAdminUpdateAccountStatus changes an account's status.
// POST /xrpc/host.meridian.pds.updateAccountStatus
func (s *Server) handleAdminUpdateAccountStatus(c echo.Context) error {
	var req struct {
		Handle string `json:"handle"`
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	switch req.Status {
	case account.StatusActive, account.StatusSuspended, account.StatusDisabled, account.StatusRemoved:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid status: " + req.Status,
		})
	}

	acct, err := s.accounts.UpdateStatus(c.Request().Context(), req.Handle, req.Status)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found: " + req.Handle,
			})
		}
		log.Printf("Error updating account status %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update account",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"account": acct,
	})
}

// handleAdminDeleteAccount permanently removes an account and its repo.
// POST /xrpc/host.meridian.pds.deleteAccount
func (s *Server) handleAdminDeleteAccount(c echo.Context) error {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	if err := s.accounts.Delete(c.Request().Context(), req.Handle); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found: " + req.Handle,
			})
		}
		log.Printf("Error deleting account %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to delete account",
		})
	}

	return c.NoContent(http.StatusOK)
}
