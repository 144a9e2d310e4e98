// Package testbackend is an in-process stand-in for the shopping list
// backend: cookie based token refresh, versioned resources with optimistic
// locking, uploads and a STOMP-over-websocket change feed.
package testbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-listsync/session"
	"golang.org/x/crypto/bcrypt"
)

// RefreshCookie carries the renewal credential.
const RefreshCookie = "refresh_token"

// VerificationCode is accepted by /auth/verify for every phone number.
const VerificationCode = "123456"

// Request is a recorded inbound call.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

type account struct {
	profile      session.Profile
	passwordHash []byte
}

type entity struct {
	version int64
	fields  map[string]any
}

type Backend struct {
	Server *httptest.Server
	Broker *Broker
	Tokens *TokenIssuer

	mux *http.ServeMux

	mu           sync.Mutex
	byEmail      map[string]*account
	byPhone      map[string]*account
	byID         map[string]*account
	renewals     map[string]string // renewal credential -> user id
	entities     map[string]*entity
	requests     []Request
	refreshCalls int
	refreshDelay time.Duration
	failRefresh  bool
	rejectAll    bool
}

// New starts a backend that is shut down when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		mux:      http.NewServeMux(),
		byEmail:  make(map[string]*account),
		byPhone:  make(map[string]*account),
		byID:     make(map[string]*account),
		renewals: make(map[string]string),
		entities: make(map[string]*entity),
	}
	b.Tokens = NewTokenIssuer(uuid.NewString(), DefaultAccessTokenTTL)
	b.Broker = newBroker(b)
	b.routes()
	b.Server = httptest.NewServer(b)
	t.Cleanup(func() {
		b.Broker.DropAll()
		b.Server.Close()
	})
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
		})
		b.mu.Unlock()
	}
	b.mux.ServeHTTP(w, r)
}

func (b *Backend) routes() {
	b.mux.HandleFunc("POST /auth/login", b.handleLogin)
	b.mux.HandleFunc("POST /auth/code", b.handleRequestCode)
	b.mux.HandleFunc("POST /auth/verify", b.handleVerify)
	b.mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	b.mux.HandleFunc("POST /auth/logout", b.handleLogout)
	b.mux.HandleFunc("GET /users/me", b.requireAuth(b.handleGetMe))
	b.mux.HandleFunc("PUT /users/me", b.requireAuth(b.handlePutMe))
	b.mux.HandleFunc("POST /uploads", b.requireAuth(b.handleUpload))
	b.mux.HandleFunc("GET /{kind}", b.requireAuth(b.handleListEntities))
	b.mux.HandleFunc("POST /{kind}", b.requireAuth(b.handleCreateEntity))
	b.mux.HandleFunc("GET /{kind}/{id}", b.requireAuth(b.handleGetEntity))
	b.mux.HandleFunc("PUT /{kind}/{id}", b.requireAuth(b.handlePutEntity))
	b.mux.HandleFunc("DELETE /{kind}/{id}", b.requireAuth(b.handleDeleteEntity))
	b.mux.Handle("GET /ws", b.Broker)
}

// Handle adds a custom route, e.g. one returning a specific status.
func (b *Backend) Handle(pattern string, handler http.HandlerFunc) {
	b.mux.HandleFunc(pattern, handler)
}

func (b *Backend) URL() string {
	return b.Server.URL
}

// WSURL is the websocket endpoint of the broker.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
}

// AddUser registers an email/password account.
func (b *Backend) AddUser(email, password string, profile session.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	a := &account{profile: profile, passwordHash: hash}
	b.byEmail[email] = a
	b.byID[profile.UserID] = a
	if profile.Phone != nil {
		b.byPhone[*profile.Phone] = a
	}
}

// SignIn issues an access token for userID and puts the renewal credential
// into jar, as a completed login would.
func (b *Backend) SignIn(jar http.CookieJar, userID string) string {
	b.mu.Lock()
	token := b.issueLocked(userID)
	renewal := uuid.NewString()
	b.renewals[renewal] = userID
	b.mu.Unlock()

	u, _ := url.Parse(b.Server.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: RefreshCookie, Value: renewal, Path: "/"}})
	return token
}

// Expire revokes an access token so the next call with it gets a 401.
func (b *Backend) Expire(token string) {
	b.Tokens.Revoke(token)
}

func (b *Backend) ExpireAll() {
	b.Tokens.RevokeAll()
}

func (b *Backend) FailRefresh(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRefresh = fail
}

// SetRefreshDelay holds every refresh exchange for d.
func (b *Backend) SetRefreshDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshDelay = d
}

// RejectAll makes every authenticated route answer 401, even with a freshly
// refreshed token.
func (b *Backend) RejectAll(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAll = reject
}

func (b *Backend) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// RequestsTo returns recorded calls matching method and path.
func (b *Backend) RequestsTo(method, path string) []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Seed stores an entity at version.
func (b *Backend) Seed(kind, id string, version int64, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	b.entities[kind+"/"+id] = &entity{version: version, fields: copied}
}

// Bump simulates a write from another device and returns the new version.
func (b *Backend) Bump(kind, id string, fields map[string]any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[kind+"/"+id]
	if !ok {
		e = &entity{fields: map[string]any{}}
		b.entities[kind+"/"+id] = e
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.version++
	return e.version
}

func (b *Backend) Version(kind, id string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entities[kind+"/"+id]; ok {
		return e.version
	}
	return -1
}

// Field returns a stored field value of an entity.
func (b *Backend) Field(kind, id, name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entities[kind+"/"+id]; ok {
		return e.fields[name]
	}
	return nil
}

// Authorize resolves the bearer token of r.
func (b *Backend) Authorize(r *http.Request) (string, bool) {
	return b.userForToken(bearerToken(r.Header.Get("Authorization")))
}

func (b *Backend) userForToken(token string) (string, bool) {
	b.mu.Lock()
	reject := b.rejectAll
	b.mu.Unlock()
	if reject || token == "" {
		return "", false
	}
	userID, err := b.Tokens.Verify(token)
	return userID, err == nil
}

// issueLocked mints an access token. The issuer has its own lock; the name
// marks that callers may hold b.mu.
func (b *Backend) issueLocked(userID string) string {
	token, err := b.Tokens.Issue(userID)
	if err != nil {
		panic(err) // HMAC signing only fails on a nil key
	}
	return token
}

func (b *Backend) requireAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := b.Authorize(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "error_description": "invalid token"})
			return
		}
		next(w, r, userID)
	}
}

func (b *Backend) authResponse(w http.ResponseWriter, a *account) {
	b.mu.Lock()
	token := b.issueLocked(a.profile.UserID)
	renewal := uuid.NewString()
	b.renewals[renewal] = a.profile.UserID
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: renewal, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, session.AuthResponse{AccessToken: token, Profile: a.profile})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	b.mu.Lock()
	a, ok := b.byEmail[body.Email]
	b.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(a.passwordHash, []byte(body.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid email or password"})
		return
	}
	b.authResponse(w, a)
}

func (b *Backend) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "phone is required"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	b.mu.Lock()
	a, ok := b.byPhone[body.Phone]
	b.mu.Unlock()
	if !ok || body.Code != VerificationCode {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid code"})
		return
	}
	b.authResponse(w, a)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.refreshCalls++
	delay, fail := b.refreshDelay, b.failRefresh
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	cookie, err := r.Cookie(RefreshCookie)
	if err != nil || fail {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	userID, ok := b.renewals[cookie.Value]
	a := b.byID[userID]
	if !ok || a == nil {
		b.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := b.issueLocked(userID)
	profile := a.profile
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, session.AuthResponse{AccessToken: token, Profile: profile})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		b.mu.Lock()
		delete(b.renewals, cookie.Value)
		b.mu.Unlock()
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		b.Expire(token)
	}
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleGetMe(w http.ResponseWriter, _ *http.Request, userID string) {
	b.mu.Lock()
	a := b.byID[userID]
	b.mu.Unlock()
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, a.profile)
}

func (b *Backend) handlePutMe(w http.ResponseWriter, r *http.Request, userID string) {
	var update struct {
		DisplayName *string `json:"displayName"`
		Email       *string `json:"email"`
		Phone       *string `json:"phone"`
		Locale      *string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	b.mu.Lock()
	a := b.byID[userID]
	if update.DisplayName != nil {
		a.profile.DisplayName = update.DisplayName
	}
	if update.Email != nil {
		a.profile.Email = update.Email
	}
	if update.Phone != nil {
		a.profile.Phone = update.Phone
	}
	if update.Locale != nil {
		a.profile.Locale = *update.Locale
	}
	profile := a.profile
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request, _ string) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "multipart body expected"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "file field missing"})
		return
	}
	defer file.Close()
	writeJSON(w, http.StatusCreated, map[string]any{
		"url":  "/files/" + header.Filename,
		"size": header.Size,
	})
}

func (b *Backend) handleListEntities(w http.ResponseWriter, r *http.Request, _ string) {
	kind := r.PathValue("kind")
	prefix := kind + "/"

	b.mu.Lock()
	keys := make([]string, 0)
	for k := range b.entities {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, render(strings.TrimPrefix(k, prefix), b.entities[k]))
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateEntity(w http.ResponseWriter, r *http.Request, _ string) {
	kind := r.PathValue("kind")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	id := uuid.NewString()
	delete(body, "id")
	delete(body, "version")
	e := &entity{version: 0, fields: body}

	b.mu.Lock()
	b.entities[kind+"/"+id] = e
	out := render(id, e)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, out)
}

func (b *Backend) handleGetEntity(w http.ResponseWriter, r *http.Request, _ string) {
	kind, id := r.PathValue("kind"), r.PathValue("id")
	b.mu.Lock()
	e, ok := b.entities[kind+"/"+id]
	var out map[string]any
	if ok {
		out = render(id, e)
	}
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("%s %s not found", kind, id)})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handlePutEntity(w http.ResponseWriter, r *http.Request, _ string) {
	kind, id := r.PathValue("kind"), r.PathValue("id")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	sent, ok := body["version"].(float64)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "version is required"})
		return
	}

	b.mu.Lock()
	e, exists := b.entities[kind+"/"+id]
	if !exists {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if int64(sent) != e.version {
		current := e.version
		b.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": fmt.Sprintf("stale version %d, current is %d", int64(sent), current),
		})
		return
	}
	for k, v := range body {
		if k == "id" || k == "version" {
			continue
		}
		e.fields[k] = v
	}
	e.version++
	out := render(id, e)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleDeleteEntity(w http.ResponseWriter, r *http.Request, _ string) {
	kind, id := r.PathValue("kind"), r.PathValue("id")
	b.mu.Lock()
	e, exists := b.entities[kind+"/"+id]
	if !exists {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if v := r.URL.Query().Get("version"); v != "" && v != fmt.Sprint(e.version) {
		b.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "stale version"})
		return
	}
	delete(b.entities, kind+"/"+id)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func render(id string, e *entity) map[string]any {
	out := make(map[string]any, len(e.fields)+2)
	for k, v := range e.fields {
		out[k] = v
	}
	out["id"] = id
	out["version"] = e.version
	return out
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
