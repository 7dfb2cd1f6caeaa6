package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	users      store.UserStore
	customers  *billing.Customers
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(users store.UserStore, customers *billing.Customers, secret []byte, issuer string, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *AuthHandler {
	if accessTTL == 0 {
		accessTTL = 24 * time.Hour
	}
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &AuthHandler{
		users:      users,
		customers:  customers,
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// authResponse is returned by register and login.
type authResponse struct {
	*tokenResponse
	User     *store.User     `json:"user"`
	Customer *store.Customer `json:"customer,omitempty"`
}

// Register handles POST /api/v1/auth/register. The new user is linked to
// the customer with the same email, which is created when missing.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"` //nolint:gosec // G117: request DTO field
		DisplayName string `json:"display_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}
	email, err := billing.NormalizeEmail(req.Email)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &store.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(req.DisplayName),
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteErrorCode(w, http.StatusConflict, "already_exists", "email already registered")
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}

	customer, err := h.linkOrCreateCustomer(r, user)
	if err != nil {
		h.logger.Warn("could not link customer to new user", "user_id", user.ID, "error", err)
	}

	tokenPair, err := h.generateTokenPair(user.ID, user.Email)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusCreated, authResponse{tokenResponse: tokenPair, User: user, Customer: customer})
}

func (h *AuthHandler) linkOrCreateCustomer(r *http.Request, user *store.User) (*store.Customer, error) {
	customer, err := h.customers.LinkUser(r.Context(), uuid.Nil, user.Email, user.ID)
	if !errors.Is(err, lifecycle.ErrCustomerNotFound) {
		return customer, err
	}
	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	if _, err := h.customers.Create(r.Context(), user.Email, name); err != nil && !errors.Is(err, lifecycle.ErrAlreadyExists) {
		return nil, err
	}
	return h.customers.LinkUser(r.Context(), uuid.Nil, user.Email, user.ID)
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"` //nolint:gosec // G117: request DTO field
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokenPair, err := h.generateTokenPair(user.ID, user.Email)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	customer, _ := h.customers.GetByUser(r.Context(), user.ID)
	WriteJSON(w, http.StatusOK, authResponse{tokenResponse: tokenPair, User: user, Customer: customer})
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: request DTO field
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := parseToken(req.RefreshToken, h.secret)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	tokenType, _ := claims["type"].(string)
	if tokenType != "refresh" {
		WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	tokenPair, err := h.generateTokenPair(user.ID, user.Email)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, tokenPair)
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	customer, err := h.customers.GetByUser(r.Context(), user.ID)
	if err != nil && !errors.Is(err, lifecycle.ErrCustomerNotFound) {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"user": user, "customer": customer})
}

// LinkCustomer handles POST /api/v1/auth/link-customer. The customer is
// chosen by customer_id, else by email, else by the user's own email.
func (h *AuthHandler) LinkCustomer(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
		Email      string `json:"email"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	customerID := uuid.Nil
	if req.CustomerID != "" {
		id, err := uuid.Parse(req.CustomerID)
		if err != nil {
			WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid customer_id")
			return
		}
		customerID = id
	}
	email := req.Email
	if customerID == uuid.Nil && email == "" {
		email = user.Email
	}

	customer, err := h.customers.LinkUser(r.Context(), customerID, email, user.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, customer)
}

// tokenResponse is the JSON shape returned to callers.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`  //nolint:gosec // G117: token response field
	RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: token response field
	ExpiresIn    int64  `json:"expires_in"`
}

func (h *AuthHandler) generateTokenPair(userID uuid.UUID, email string) (*tokenResponse, error) {
	now := time.Now()

	accessClaims := jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"type":  "access",
		"iat":   now.Unix(),
		"exp":   now.Add(h.accessTTL).Unix(),
	}
	if h.issuer != "" {
		accessClaims["iss"] = h.issuer
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(h.secret)
	if err != nil {
		return nil, err
	}

	refreshClaims := jwt.MapClaims{
		"sub":  userID.String(),
		"type": "refresh",
		"iat":  now.Unix(),
		"exp":  now.Add(h.refreshTTL).Unix(),
	}
	if h.issuer != "" {
		refreshClaims["iss"] = h.issuer
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(h.secret)
	if err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(h.accessTTL.Seconds()),
	}, nil
}
