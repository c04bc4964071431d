package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	sessionCookie = "abi_session"
	csrfCookie    = "abi_csrf"
	visitorCookie = "abi_visitor"
	csrfHeader    = "x-csrf-token"

	cookieMaxAge = 365 * 24 * 60 * 60
)

type ctxKey int

const (
	visitorKey ctxKey = iota
	sessionKey
)

// cookieSigner signs visitor ids as "id.hexHMAC".
type cookieSigner struct {
	secret []byte
}

func (c cookieSigner) mac(id string) string {
	m := hmac.New(sha256.New, c.secret)
	m.Write([]byte(id))
	return hex.EncodeToString(m.Sum(nil))
}

func (c cookieSigner) sign(id string) string {
	return id + "." + c.mac(id)
}

// verify returns the id of a signed value. A malformed or tampered value
// is reported as absent.
func (c cookieSigner) verify(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(c.mac(id))) {
		return "", false
	}
	return id, true
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: httpOnly,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessions issues the session, CSRF, and visitor cookies when absent and
// puts the session and visitor ids on the request context. The CSRF cookie
// is readable by scripts so the client can echo it in x-csrf-token.
func (s *Server) sessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := cookieValue(r, sessionCookie)
		if sid == "" {
			sid = uuid.NewString()
			s.setCookie(w, sessionCookie, sid, true)
		}
		if cookieValue(r, csrfCookie) == "" {
			s.setCookie(w, csrfCookie, strings.ReplaceAll(uuid.NewString(), "-", ""), false)
		}
		visitor, ok := s.signer.verify(cookieValue(r, visitorCookie))
		if !ok {
			visitor = uuid.NewString()
			s.setCookie(w, visitorCookie, s.signer.sign(visitor), true)
		}

		ctx := context.WithValue(r.Context(), sessionKey, sid)
		ctx = context.WithValue(ctx, visitorKey, visitor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// csrf rejects unsafe requests whose x-csrf-token header does not match the
// abi_csrf cookie.
func csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		cookie := cookieValue(r, csrfCookie)
		header := r.Header.Get(csrfHeader)
		if cookie == "" || !hmac.Equal([]byte(cookie), []byte(header)) {
			writeErrorMessage(w, http.StatusForbidden, "csrf", "CSRF token missing or invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func visitorID(ctx context.Context) string {
	v, _ := ctx.Value(visitorKey).(string)
	return v
}
