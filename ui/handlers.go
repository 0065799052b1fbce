package ui

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"accounts/auth"
	"accounts/legacy"
	"accounts/sessions"
	"accounts/users"
	"accounts/web"

	"github.com/go-playground/validator/v10"
)

const profilePath = "/profile"

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, profilePath, http.StatusSeeOther)
}

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	next := safeNextPage(r.URL.Query().Get("next_page"))
	if _, ok := auth.SessionFrom(r.Context()); ok {
		if next == "" {
			next = profilePath
		}
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "login.html", pageData{NextPage: next})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	ip := web.ClientIP(r, h.conf.Server.TrustProxy)
	if !h.limiter.allow(ip) {
		h.logger.Warnw("Login rate limit exceeded", "ip", ip)
		h.render(w, r, http.StatusTooManyRequests, "login.html", pageData{
			Error: "Too many login attempts. Please wait a moment and try again.",
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	next := safeNextPage(r.PostForm.Get("next_page"))
	form := map[string]string{"username": username}

	user, err := h.Users.Authenticate(r.Context(), username, r.PostForm.Get("password"))
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		h.logger.Infow("Login failed", "username", username, "ip", ip)
		h.render(w, r, http.StatusBadRequest, "login.html", pageData{
			Error: "Invalid username or password.", NextPage: next, Form: form,
		})
		return
	case errors.Is(err, users.ErrUserBanned):
		h.logger.Warnw("Banned user attempted login", "username", username, "ip", ip)
		h.render(w, r, http.StatusForbidden, "login.html", pageData{
			Error: "This account has been suspended.", NextPage: next, Form: form,
		})
		return
	case err != nil:
		h.logger.Errorw("Failed to authenticate user", "username", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.Users.CheckTOTP(user, strings.TrimSpace(r.PostForm.Get("totp_code"))); err != nil {
		msg := "Invalid authentication code."
		if errors.Is(err, users.ErrTOTPRequired) {
			msg = "Enter the code from your authenticator app."
		}
		h.logger.Infow("Second factor rejected", "user_id", user.UserID, "ip", ip)
		h.render(w, r, http.StatusBadRequest, "login.html", pageData{
			Error: msg, NextPage: next, Form: form,
		})
		return
	}

	if err := h.startSession(w, r, user, ip); err != nil {
		h.logger.Errorw("Failed to start session", "user_id", user.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Infow("User logged in", "user_id", user.UserID, "ip", ip)
	if next == "" {
		next = profilePath
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// startSession opens classic and current sessions for user and sets both
// cookies. The classic session is best effort.
func (h *handlers) startSession(w http.ResponseWriter, r *http.Request, user *users.User, ip string) error {
	ctx := r.Context()
	lifetime := h.conf.Sessions.Lifetime

	classic, err := h.Legacy.CreateSession(ctx, user.UserID, ip, ip, lifetime)
	if err != nil {
		h.logger.Warnw("Failed to create classic session", "user_id", user.UserID, "error", err)
		classic = nil
	}

	su := sessions.SessionUser{
		UserID:   user.UserID,
		Username: user.Username,
		Email:    user.Email,
		Scopes:   user.Scopes,
	}
	classicCookie := ""
	if classic != nil {
		su.LegacySessionID = classic.SessionID
		classicCookie = classic.Cookie
	}

	session, err := h.Sessions.Create(ctx, su, sessions.ClientInfo{IP: ip, UserAgent: r.UserAgent()})
	if err != nil {
		return err
	}
	token, err := sessions.EncodeCookie(session, h.conf.JWTSecret())
	if err != nil {
		return err
	}

	auth.SetCookies(w, h.conf, token, classicCookie, session.End)
	return nil
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if session, ok := auth.SessionFrom(ctx); ok {
		if err := h.Sessions.Delete(ctx, session.SessionID); err != nil {
			h.logger.Errorw("Failed to delete session", "session_id", session.SessionID, "error", err)
		}
		h.logger.Infow("User logged out", "user_id", session.UserID)
	}

	if classic := auth.ClassicCookie(r, h.conf); classic != "" {
		err := h.Legacy.InvalidateCookie(ctx, classic)
		if err != nil && !errors.Is(err, legacy.ErrSessionNotFound) && !errors.Is(err, legacy.ErrInvalidCookie) {
			h.logger.Errorw("Failed to invalidate classic session", "error", err)
		}
	}

	auth.ClearCookies(w, h.conf)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *handlers) registerForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.SessionFrom(r.Context()); ok {
		http.Redirect(w, r, profilePath, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "register.html", pageData{})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	ip := web.ClientIP(r, h.conf.Server.TrustProxy)

	reg := users.Registration{
		Username:    strings.TrimSpace(r.PostForm.Get("username")),
		Email:       strings.TrimSpace(r.PostForm.Get("email")),
		Password:    r.PostForm.Get("password"),
		Forename:    strings.TrimSpace(r.PostForm.Get("forename")),
		Surname:     strings.TrimSpace(r.PostForm.Get("surname")),
		Affiliation: strings.TrimSpace(r.PostForm.Get("affiliation")),
		Country:     strings.TrimSpace(r.PostForm.Get("country")),
	}
	form := map[string]string{
		"username":    reg.Username,
		"email":       reg.Email,
		"forename":    reg.Forename,
		"surname":     reg.Surname,
		"affiliation": reg.Affiliation,
		"country":     reg.Country,
	}

	if reg.Password != r.PostForm.Get("password_confirm") {
		h.render(w, r, http.StatusBadRequest, "register.html", pageData{Error: "Passwords do not match.", Form: form})
		return
	}

	user, err := h.Users.Register(ctx, reg)
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, users.ErrUserExists):
		h.render(w, r, http.StatusConflict, "register.html", pageData{
			Error: "That username or email is already registered.", Form: form,
		})
		return
	case errors.As(err, &verrs):
		h.render(w, r, http.StatusBadRequest, "register.html", pageData{
			Error: "Please check the highlighted fields: " + fieldList(verrs) + ".", Form: form,
		})
		return
	case err != nil:
		h.logger.Errorw("Failed to register user", "username", reg.Username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	_, err = h.Legacy.RegisterUser(ctx, legacy.LegacyUser{
		UserID:    user.UserID,
		Nickname:  user.Username,
		Email:     user.Email,
		FirstName: user.Forename,
		LastName:  user.Surname,
		JoinedIP:  ip,
		Joined:    user.JoinedAt,
		Approved:  true,
	}, user.PasswordHash)
	if err != nil {
		h.logger.Warnw("Failed to mirror user into classic database", "user_id", user.UserID, "error", err)
	}

	if err := h.startSession(w, r, user, ip); err != nil {
		h.logger.Errorw("Failed to start session", "user_id", user.UserID, "error", err)
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, profilePath, http.StatusSeeOther)
}

func fieldList(verrs validator.ValidationErrors) string {
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return strings.Join(fields, ", ")
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	user, err := h.Users.GetUser(r.Context(), session.UserID)
	if err != nil {
		h.logger.Errorw("Failed to load profile", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.render(w, r, http.StatusOK, "profile.html", pageData{User: user})
}

func (h *handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	session, _ := auth.SessionFrom(r.Context())

	update := users.ProfileUpdate{
		Forename:    strings.TrimSpace(r.PostForm.Get("forename")),
		Surname:     strings.TrimSpace(r.PostForm.Get("surname")),
		Affiliation: strings.TrimSpace(r.PostForm.Get("affiliation")),
		Country:     strings.TrimSpace(r.PostForm.Get("country")),
	}

	user, err := h.Users.UpdateProfile(r.Context(), session.UserID, update)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		current, _ := h.Users.GetUser(r.Context(), session.UserID)
		h.render(w, r, http.StatusBadRequest, "profile.html", pageData{
			User:  current,
			Error: "Please check the highlighted fields: " + fieldList(verrs) + ".",
		})
		return
	case err != nil:
		h.logger.Errorw("Failed to update profile", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Infow("Profile updated", "user_id", session.UserID)
	h.render(w, r, http.StatusOK, "profile.html", pageData{User: user, Notice: "Profile updated."})
}

func (h *handlers) beginTOTP(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFrom(r.Context())
	key, err := h.Users.BeginTOTP(r.Context(), session.UserID)
	if err != nil && !errors.Is(err, users.ErrTOTPAlreadyEnabled) {
		h.logger.Errorw("Failed to start two-factor enrollment", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	user, lerr := h.Users.GetUser(r.Context(), session.UserID)
	if lerr != nil {
		h.logger.Errorw("Failed to load profile", "user_id", session.UserID, "error", lerr)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		h.logger.Warnw("Two-factor enrollment refused while enabled", "user_id", session.UserID)
		h.render(w, r, http.StatusConflict, "profile.html", pageData{User: user, Error: "Two-factor authentication is already enabled."})
		return
	}
	h.render(w, r, http.StatusOK, "profile.html", pageData{
		User:       user,
		Notice:     "Add this account to your authenticator app, then enter a code to finish.",
		TOTPSecret: key.Secret(),
		TOTPURL:    template.URL(key.URL()),
	})
}

func (h *handlers) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	session, _ := auth.SessionFrom(r.Context())

	err := h.Users.ConfirmTOTP(r.Context(), session.UserID, strings.TrimSpace(r.PostForm.Get("totp_code")))
	if err != nil && !errors.Is(err, users.ErrInvalidTOTP) {
		h.logger.Errorw("Failed to confirm two-factor enrollment", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user, lerr := h.Users.GetUser(r.Context(), session.UserID)
	if lerr != nil {
		h.logger.Errorw("Failed to load profile", "user_id", session.UserID, "error", lerr)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		h.render(w, r, http.StatusBadRequest, "profile.html", pageData{User: user, Error: "Invalid authentication code."})
		return
	}
	h.render(w, r, http.StatusOK, "profile.html", pageData{User: user, Notice: "Two-factor authentication enabled."})
}
