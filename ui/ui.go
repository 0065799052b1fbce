// Package ui is the account pages blueprint: login, logout, registration and
// profile.
package ui

import (
	"context"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accounts/auth"
	"accounts/config"
	"accounts/legacy"
	"accounts/sessions"
	"accounts/users"
	"accounts/web"

	"github.com/pquerna/otp"
	"go.uber.org/zap"
)

// BlueprintName is the name the UI registers under.
const BlueprintName = "ui"

//go:embed templates/*.html
var templatesFS embed.FS

// UserService is the part of the users service the pages use.
type UserService interface {
	Register(ctx context.Context, reg users.Registration) (*users.User, error)
	Authenticate(ctx context.Context, usernameOrEmail, password string) (*users.User, error)
	GetUser(ctx context.Context, userID int64) (*users.User, error)
	UpdateProfile(ctx context.Context, userID int64, update users.ProfileUpdate) (*users.User, error)
	CheckTOTP(user *users.User, code string) error
	BeginTOTP(ctx context.Context, userID int64) (*otp.Key, error)
	ConfirmTOTP(ctx context.Context, userID int64, code string) error
}

// LegacyService is the part of the classic service the pages use.
type LegacyService interface {
	RegisterUser(ctx context.Context, u legacy.LegacyUser, passwordHash string) (int64, error)
	CreateSession(ctx context.Context, userID int64, ip, remoteHost string, ttl time.Duration) (*legacy.LegacySession, error)
	InvalidateCookie(ctx context.Context, cookie string) error
}

// SessionStore is the part of the session store the pages use.
type SessionStore interface {
	Create(ctx context.Context, user sessions.SessionUser, client sessions.ClientInfo) (*sessions.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// Deps are the collaborators the UI handlers call.
type Deps struct {
	App      *web.App
	Users    UserService
	Legacy   LegacyService
	Sessions SessionStore
}

type handlers struct {
	Deps
	conf    *config.Config
	logger  *zap.SugaredLogger
	limiter *loginLimiter
}

// pageData is passed to every UI template.
type pageData struct {
	Session  *sessions.Session
	User     *users.User
	Error    string
	Notice   string
	NextPage string
	Form     map[string]string

	// Set while two-factor enrollment is pending.
	TOTPSecret string
	TOTPURL    template.URL
}

// Blueprint builds the UI blueprint.
func Blueprint(deps Deps) *web.Blueprint {
	h := &handlers{
		Deps:    deps,
		conf:    deps.App.Config,
		logger:  deps.App.Logger,
		limiter: newLoginLimiter(deps.App.Config.Auth.LoginRate, deps.App.Config.Auth.LoginBurst),
	}

	pages, _ := fs.Sub(templatesFS, "templates")
	bp := web.NewBlueprint(BlueprintName, "/")
	bp.Templates = pages

	requireUpdate := auth.RequireScope("profile:update")
	bp.HandleFunc("index", "/", h.index, http.MethodGet).
		HandleFunc("login", "/login", h.loginForm, http.MethodGet).
		HandleFunc("login_submit", "/login", h.login, http.MethodPost).
		HandleFunc("logout", "/logout", h.logout, http.MethodGet, http.MethodPost).
		HandleFunc("register", "/register", h.registerForm, http.MethodGet).
		HandleFunc("register_submit", "/register", h.register, http.MethodPost).
		Handle("profile", "/profile", auth.RequireLogin(http.HandlerFunc(h.profile)), http.MethodGet).
		Handle("profile_update", "/profile", auth.RequireLogin(requireUpdate(http.HandlerFunc(h.updateProfile))), http.MethodPost).
		Handle("totp_setup", "/profile/totp", auth.RequireLogin(requireUpdate(http.HandlerFunc(h.beginTOTP))), http.MethodPost).
		Handle("totp_confirm", "/profile/totp/confirm", auth.RequireLogin(requireUpdate(http.HandlerFunc(h.confirmTOTP))), http.MethodPost)
	return bp
}

func (h *handlers) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	if data.Session == nil {
		data.Session, _ = auth.SessionFrom(r.Context())
	}
	if err := h.App.Render(w, status, BlueprintName+"/"+page, data); err != nil {
		h.logger.Errorw("Failed to render page", "page", page, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// safeNextPage returns next when it is a same-origin relative path.
func safeNextPage(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return next
}
