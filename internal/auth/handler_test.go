package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/alexjbarnes/authgate/internal/state"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mux    *http.ServeMux
	state  *state.State
	tokens *Tokens
	clock  *testClock
	users  *MockUserDirectory
	terms  *MockTermsSource
	mail   *MockMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	tokens, s, clock := testTokens(t)

	f := &fixture{
		mux:    http.NewServeMux(),
		state:  s,
		tokens: tokens,
		clock:  clock,
		users:  NewMockUserDirectory(ctrl),
		terms:  NewMockTermsSource(ctrl),
		mail:   NewMockMailer(ctrl),
	}

	h := NewHandler(Deps{
		OTPs:         s,
		Keys:         s,
		Tokens:       tokens,
		Users:        f.users,
		Terms:        f.terms,
		Mail:         f.mail,
		Gate:         NewGate(testOrigin, []string{testAppKey}),
		CookieDomain: "x.edu",
		Logger:       testLogger(),
		Now:          clock.Now,
	})

	f.mux.HandleFunc("POST /auth/request", h.HandleRequest())
	f.mux.HandleFunc("POST /auth/request/{requestId}/code", h.HandleCode())
	f.mux.HandleFunc("GET /auth/request/{requestId}/verify", h.HandleVerify())
	f.mux.HandleFunc("DELETE /auth/logout", h.HandleLogout())
	f.mux.HandleFunc("GET /auth/renew", h.HandleRenew())
	f.mux.HandleFunc("POST /auth/login", h.HandleLogin())

	return f
}

type reqOpt func(*http.Request)

func withAppKey(r *http.Request) { r.Header.Set(HeaderApplicationKey, testAppKey) }

func withOrigin(r *http.Request) { r.Header.Set("Origin", testOrigin) }

func withRefresh(token string) reqOpt {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: CookieRefreshToken, Value: token})
	}
}

func withHeader(name, value string) reqOpt {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func (f *fixture) do(method, target, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	r := httptest.NewRequest(method, target, rd)
	for _, o := range opts {
		o(r)
	}

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, r)

	return rec
}

// expectMail captures the code mailed to email.
func (f *fixture) expectMail(email string, code *string) {
	f.mail.EXPECT().SendPasscode(gomock.Any(), email, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, c string) error {
			*code = c
			return nil
		})
}

func (f *fixture) noProfile(email string) *gomock.Call {
	return f.users.EXPECT().GetUserProfile(gomock.Any(), email).
		Return(nil, fmt.Errorf("user %s: %w", email, autherr.ErrNotFound))
}

func (f *fixture) profile(email string, p *models.UserProfile) *gomock.Call {
	return f.users.EXPECT().GetUserProfile(gomock.Any(), email).Return(p, nil)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())

	return out
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	body := decodeJSON(t, rec)
	msg, _ := body["error"].(string)

	return msg
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}

	return out
}

// requestOTP runs POST /auth/request and returns the request ID and the
// mailed code.
func (f *fixture) requestOTP(t *testing.T, email string, purpose models.Purpose, opts ...reqOpt) (string, string) {
	t.Helper()

	var code string
	f.expectMail(email, &code)

	rec := f.do("POST", "/auth/request", fmt.Sprintf(`{"email":%q,"purpose":%q}`, email, purpose), opts...)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	body := decodeJSON(t, rec)
	id, _ := body["requestId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, FormatTime(f.clock.Now().Add(3*time.Minute)), body["codeExpireAt"])

	return id, code
}

func codeBodyJSON(email, code string) string {
	return fmt.Sprintf(`{"email":%q,"passcode":%q}`, email, code)
}

func liveProfile(email, tnc string) *models.UserProfile {
	return &models.UserProfile{Email: email, Nickname: "kim", TncVersion: tnc}
}

// --- End-to-end flows ---

func TestScenario_SignupMobile(t *testing.T) {
	f := newFixture(t)
	email := "new@x.edu"

	f.noProfile(email).Times(2)

	id, code := f.requestOTP(t, email, models.PurposeSignup, withAppKey)

	f.clock.Advance(time.Minute)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, map[string]any{}, decodeJSON(t, rec))

	cookies := cookiesByName(rec)
	require.Contains(t, cookies, CookieAccessToken)
	require.Contains(t, cookies, CookieRefreshToken)
	assert.Equal(t, 600, cookies[CookieAccessToken].MaxAge)
	assert.Equal(t, 3600, cookies[CookieRefreshToken].MaxAge)

	sess, err := f.tokens.VerifyRefresh(cookies[CookieRefreshToken].Value)
	require.NoError(t, err)
	assert.Equal(t, email, sess.Email)
	assert.True(t, sess.ExpireAt.Equal(f.clock.Now().Add(60*time.Minute)))

	o, err := f.state.GetOTP(id)
	require.NoError(t, err)
	assert.True(t, o.Verified)
	assert.True(t, o.ExpireAt.Equal(f.clock.Now().Add(10*time.Minute)))
}

func TestScenario_SigninWeb(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "2024-01")).Times(2)
	f.terms.EXPECT().LatestTnC(gomock.Any()).Return(&models.TnC{Version: "2024-01"}, nil)

	id, code := f.requestOTP(t, email, models.PurposeSignin, withOrigin)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withOrigin)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "needNewTNCAccpet")

	refresh := cookiesByName(rec)[CookieRefreshToken]
	require.NotNil(t, refresh)
	assert.Equal(t, "/auth", refresh.Path)
	assert.Equal(t, 10800, refresh.MaxAge)

	sess, err := f.tokens.VerifyRefresh(refresh.Value)
	require.NoError(t, err)
	assert.True(t, sess.ExpireAt.Equal(f.clock.Now().Add(180*time.Minute)))
}

func TestScenario_Sudo(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, 180*time.Minute)
	require.NoError(t, err)

	f.profile(email, liveProfile(email, "1")).Times(2)

	id, code := f.requestOTP(t, email, models.PurposeSudo, withAppKey, withRefresh(refresh))

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey, withRefresh(refresh))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())

	body := decodeJSON(t, rec)
	assert.Equal(t, FormatTime(f.clock.Now().Add(10*time.Minute)), body["verificationExpiresAt"])
	assert.NotContains(t, body, "shouldRenewToken")
}

func TestScenario_Logout(t *testing.T) {
	f := newFixture(t)

	refresh, err := f.tokens.IssueRefresh("user@x.edu", time.Hour)
	require.NoError(t, err)

	rec := f.do("DELETE", "/auth/logout", "", withOrigin, withRefresh(refresh))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	headers := rec.Header().Values("Set-Cookie")
	require.Len(t, headers, 2)

	for _, c := range rec.Result().Cookies() {
		assert.Empty(t, c.Value)
		assert.Equal(t, -1, c.MaxAge)
	}

	rt, err := f.state.GetRefreshToken(refresh)
	require.NoError(t, err)
	assert.Nil(t, rt)

	rec = f.do("DELETE", "/auth/logout", "", withOrigin, withRefresh(refresh))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", errorBody(t, rec))
}

func TestScenario_ServerLogin(t *testing.T) {
	f := newFixture(t)

	key := NewAdminKey("scheduler", models.AccountServerSchedule, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, f.state.CreateAdminKey(key))

	rec := f.do("POST", "/auth/login", "", withHeader(HeaderServerKey, Hash("scheduler", FormatTime(key.GeneratedAt), "server - schedule")))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, FormatTime(f.clock.Now().Add(59*time.Minute)), body["expiresAt"])

	token, _ := body["serverAdminToken"].(string)
	require.NotEmpty(t, token)

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(testAccessKey), nil
	}, jwt.WithTimeFunc(f.clock.Now), jwt.WithValidMethods([]string{"HS512"}))
	require.NoError(t, err)

	assert.Equal(t, tokenTypeServerAdmin, claims.TokenType)
	assert.Equal(t, models.AccountServerSchedule, claims.AccountType)
	assert.Equal(t, "scheduler", claims.Identity)
	assert.LessOrEqual(t, claims.ExpiresAt.Unix(), f.clock.Now().Add(60*time.Minute).Unix())
}

// --- POST /auth/request ---

func TestRequest_GateForbidden(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"signin"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", errorBody(t, rec))
}

func TestRequest_BadBody(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"email":"user@x.edu","purpose":"reset"}`,
		`{"email":"user@x.edu"}`,
		`{"email":"user@x.edu","purpose":"signin","extra":1}`,
		`{"email":"not-an-email","purpose":"signin"}`,
	} {
		rec := f.do("POST", "/auth/request", body, withAppKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Bad Request", errorBody(t, rec))
	}
}

func TestRequest_SignupExistingUserConflict(t *testing.T) {
	f := newFixture(t)
	email := "old@x.edu"

	deleted := liveProfile(email, "1")
	deleted.Deleted = true
	f.profile(email, deleted)

	rec := f.do("POST", "/auth/request", `{"email":"old@x.edu","purpose":"signup"}`, withAppKey)
	assert.Equal(t, http.StatusConflict, rec.Code)

	o, err := f.state.GetOTP(otpID(email, models.PurposeSignup, f.clock.Now().Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Nil(t, o, "no otp record is created")
}

func TestRequest_SigninUnknownUser(t *testing.T) {
	for _, purpose := range []models.Purpose{models.PurposeSignin, models.PurposeSudo} {
		t.Run(string(purpose), func(t *testing.T) {
			f := newFixture(t)
			email := "ghost@x.edu"

			opts := []reqOpt{withAppKey}

			if purpose == models.PurposeSudo {
				refresh, err := f.tokens.IssueRefresh(email, time.Hour)
				require.NoError(t, err)

				opts = append(opts, withRefresh(refresh))
			}

			f.noProfile(email)

			rec := f.do("POST", "/auth/request", fmt.Sprintf(`{"email":%q,"purpose":%q}`, email, purpose), opts...)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthenticated", errorBody(t, rec))

			o, err := f.state.GetOTP(otpID(email, purpose, f.clock.Now().Add(3*time.Minute)))
			require.NoError(t, err)
			assert.Nil(t, o)
		})
	}
}

func TestRequest_DeletedOrLockedUser(t *testing.T) {
	f := newFixture(t)

	deleted := liveProfile("d@x.edu", "1")
	deleted.Deleted = true
	f.profile("d@x.edu", deleted)

	rec := f.do("POST", "/auth/request", `{"email":"d@x.edu","purpose":"signin"}`, withAppKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthenticated - Deleted User", errorBody(t, rec))

	locked := liveProfile("l@x.edu", "1")
	locked.Locked = true
	f.profile("l@x.edu", locked)

	rec = f.do("POST", "/auth/request", `{"email":"l@x.edu","purpose":"signin"}`, withAppKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthenticated - Locked User", errorBody(t, rec))
}

func TestRequest_SudoRefreshChecks(t *testing.T) {
	f := newFixture(t)

	// No refresh token at all.
	rec := f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"sudo"}`, withAppKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token for someone else.
	other, err := f.tokens.IssueRefresh("other@x.edu", time.Hour)
	require.NoError(t, err)

	rec = f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"sudo"}`, withAppKey, withRefresh(other))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Revoked token.
	mine, err := f.tokens.IssueRefresh("user@x.edu", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.tokens.Revoke(mine))

	rec = f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"sudo"}`, withAppKey, withRefresh(mine))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequest_SudoShouldRenew(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, 15*time.Minute)
	require.NoError(t, err)

	f.profile(email, liveProfile(email, "1"))

	var code string
	f.expectMail(email, &code)

	rec := f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"sudo"}`, withAppKey, withRefresh(refresh))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["shouldRenewToken"])
}

func TestRequest_MailFailureIsServerError(t *testing.T) {
	f := newFixture(t)

	f.noProfile("new@x.edu")
	f.mail.EXPECT().SendPasscode(gomock.Any(), "new@x.edu", gomock.Any()).Return(fmt.Errorf("smtp down"))

	rec := f.do("POST", "/auth/request", `{"email":"new@x.edu","purpose":"signup"}`, withAppKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server Error", errorBody(t, rec))
	assert.NotContains(t, rec.Body.String(), "smtp")
}

func TestRequest_UserAPIFailureIsServerError(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetUserProfile(gomock.Any(), "user@x.edu").
		Return(nil, fmt.Errorf("%w: status 502", autherr.ErrAPIResponse))

	rec := f.do("POST", "/auth/request", `{"email":"user@x.edu","purpose":"signin"}`, withAppKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- POST /auth/request/{id}/code ---

func TestCode_SecondAttemptConflict(t *testing.T) {
	f := newFixture(t)
	email := "new@x.edu"

	f.noProfile(email).Times(2)

	id, code := f.requestOTP(t, email, models.PurposeSignup, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	verified, err := f.state.GetOTP(id)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	rec = f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", errorBody(t, rec))

	after, err := f.state.GetOTP(id)
	require.NoError(t, err)
	assert.True(t, after.ExpireAt.Equal(verified.ExpireAt), "expireAt unchanged")
}

func TestCode_EmailMismatch(t *testing.T) {
	f := newFixture(t)
	email := "new@x.edu"

	f.noProfile(email)

	id, code := f.requestOTP(t, email, models.PurposeSignup, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON("other@x.edu", code), withAppKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	o, err := f.state.GetOTP(id)
	require.NoError(t, err)
	assert.False(t, o.Verified)
}

func TestCode_WrongPasscode(t *testing.T) {
	for _, purpose := range []models.Purpose{models.PurposeSignup, models.PurposeSignin} {
		t.Run(string(purpose), func(t *testing.T) {
			f := newFixture(t)
			email := "user@x.edu"

			if purpose == models.PurposeSignup {
				f.noProfile(email).Times(2)
			} else {
				f.profile(email, liveProfile(email, "1")).Times(2)
			}

			id, code := f.requestOTP(t, email, purpose, withAppKey)

			before, err := f.state.GetOTP(id)
			require.NoError(t, err)

			wrong := "000000"
			if code == wrong {
				wrong = "111111"
			}

			rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, wrong), withAppKey)
			assert.Equal(t, autherr.StatusPasscodeNotMatch, rec.Code)
			assert.Equal(t, "Passcode Not Match", errorBody(t, rec))
			assert.Empty(t, rec.Result().Cookies())

			after, err := f.state.GetOTP(id)
			require.NoError(t, err)
			assert.Equal(t, before.Verified, after.Verified)
			assert.True(t, before.ExpireAt.Equal(after.ExpireAt))
		})
	}
}

func TestCode_Expired(t *testing.T) {
	f := newFixture(t)
	email := "new@x.edu"

	f.noProfile(email)

	id, code := f.requestOTP(t, email, models.PurposeSignup, withAppKey)

	f.clock.Advance(3*time.Minute + time.Second)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCode_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/auth/request/nope/code", codeBodyJSON("user@x.edu", "123456"), withAppKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", errorBody(t, rec))
}

func TestCode_StaySignedInOverWeb(t *testing.T) {
	f := newFixture(t)

	for _, v := range []string{"true", "false"} {
		body := fmt.Sprintf(`{"email":"user@x.edu","passcode":"123456","staySignedIn":%s}`, v)
		rec := f.do("POST", "/auth/request/whatever/code", body, withOrigin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestCode_StaySignedInMobile(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "1")).Times(2)
	f.terms.EXPECT().LatestTnC(gomock.Any()).Return(&models.TnC{Version: "1"}, nil)

	id, code := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	body := fmt.Sprintf(`{"email":%q,"passcode":%q,"staySignedIn":true}`, email, code)
	rec := f.do("POST", "/auth/request/"+id+"/code", body, withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	refresh := cookiesByName(rec)[CookieRefreshToken]
	require.NotNil(t, refresh)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), refresh.MaxAge)
}

func TestCode_StaleTnC(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "2023-09")).Times(2)
	f.terms.EXPECT().LatestTnC(gomock.Any()).Return(&models.TnC{Version: "2024-01"}, nil)

	id, code := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["needNewTNCAccpet"])
}

func TestCode_TnCLookupFailureStillSignsIn(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "1")).Times(2)
	f.terms.EXPECT().LatestTnC(gomock.Any()).Return(nil, fmt.Errorf("%w: tnc", autherr.ErrAPIRequest))

	id, code := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, cookiesByName(rec), CookieRefreshToken)
}

func TestCode_UserLockedBetweenSteps(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	locked := liveProfile(email, "1")
	locked.Locked = true

	gomock.InOrder(
		f.profile(email, liveProfile(email, "1")),
		f.profile(email, locked),
	)

	id, code := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthenticated - Locked User", errorBody(t, rec))

	o, err := f.state.GetOTP(id)
	require.NoError(t, err)
	assert.False(t, o.Verified)
}

func TestCode_SudoRefreshRevokedBetweenSteps(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, time.Hour)
	require.NoError(t, err)

	f.profile(email, liveProfile(email, "1"))

	id, code := f.requestOTP(t, email, models.PurposeSudo, withAppKey, withRefresh(refresh))

	require.NoError(t, f.tokens.Revoke(refresh))

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey, withRefresh(refresh))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// --- GET /auth/request/{id}/verify ---

func (f *fixture) serverToken(t *testing.T) string {
	t.Helper()

	token, _, err := f.tokens.IssueServerAdmin("friend-service", models.AccountServerFriend)
	require.NoError(t, err)

	return token
}

func TestVerify_SigninUpdatesLastLogin(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "1")).Times(2)
	f.terms.EXPECT().LatestTnC(gomock.Any()).Return(&models.TnC{Version: "1"}, nil)

	id, code := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	rec := f.do("POST", "/auth/request/"+id+"/code", codeBodyJSON(email, code), withAppKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	f.users.EXPECT().UpdateLastLogin(gomock.Any(), email, f.clock.Now()).Return(nil)

	rec = f.do("GET", "/auth/request/"+id+"/verify", "", withHeader(HeaderServerToken, f.serverToken(t)))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, email, body["email"])
	assert.Equal(t, "signin", body["purpose"])
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, FormatTime(f.clock.Now().Add(10*time.Minute)), body["expireAt"])
}

func TestVerify_UnverifiedSigninStillUpdatesLastLogin(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	f.profile(email, liveProfile(email, "1"))

	id, _ := f.requestOTP(t, email, models.PurposeSignin, withAppKey)

	f.users.EXPECT().UpdateLastLogin(gomock.Any(), email, f.clock.Now()).Return(nil)

	rec := f.do("GET", "/auth/request/"+id+"/verify", "", withHeader(HeaderServerToken, f.serverToken(t)))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["verified"])
	assert.NotContains(t, body, "expireAt")
}

func TestVerify_UnverifiedHasNoExpiry(t *testing.T) {
	f := newFixture(t)
	email := "new@x.edu"

	f.noProfile(email)

	id, _ := f.requestOTP(t, email, models.PurposeSignup, withAppKey)

	rec := f.do("GET", "/auth/request/"+id+"/verify", "", withHeader(HeaderServerToken, f.serverToken(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["verified"])
	assert.NotContains(t, body, "expireAt")
}

func TestVerify_TokenChecks(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/auth/request/x/verify", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do("GET", "/auth/request/x/verify", "", withHeader(HeaderServerToken, "garbage"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	access, err := f.tokens.IssueAccess("user@x.edu")
	require.NoError(t, err)

	rec = f.do("GET", "/auth/request/x/verify", "", withHeader(HeaderServerToken, access))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	token := f.serverToken(t)
	f.clock.Advance(61 * time.Minute)

	rec = f.do("GET", "/auth/request/x/verify", "", withHeader(HeaderServerToken, token))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerify_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/auth/request/missing/verify", "", withHeader(HeaderServerToken, f.serverToken(t)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- DELETE /auth/logout ---

func TestLogout_Checks(t *testing.T) {
	f := newFixture(t)

	// Missing token wins over a failing gate.
	rec := f.do("DELETE", "/auth/logout", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	refresh, err := f.tokens.IssueRefresh("user@x.edu", time.Hour)
	require.NoError(t, err)

	rec = f.do("DELETE", "/auth/logout", "", withRefresh(refresh))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	access, err := f.tokens.IssueAccess("user@x.edu")
	require.NoError(t, err)

	rec = f.do("DELETE", "/auth/logout", "", withAppKey, withRefresh(access))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rt, err := f.state.GetRefreshToken(refresh)
	require.NoError(t, err)
	assert.NotNil(t, rt, "failed logout keeps the record")
}

// --- GET /auth/renew ---

func TestRenew_AccessOnlyWithoutFlag(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, 15*time.Minute)
	require.NoError(t, err)

	before, err := f.state.GetRefreshToken(refresh)
	require.NoError(t, err)

	for range 3 {
		rec := f.do("GET", "/auth/renew", "", withAppKey, withRefresh(refresh))
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		cookies := cookiesByName(rec)
		assert.Contains(t, cookies, CookieAccessToken)
		assert.NotContains(t, cookies, CookieRefreshToken)
	}

	after, err := f.state.GetRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRenew_RefreshWhenNearExpiry(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, 15*time.Minute)
	require.NoError(t, err)

	f.profile(email, liveProfile(email, "1"))

	rec := f.do("GET", "/auth/renew", `{"renewRefreshToken":true}`, withAppKey, withRefresh(refresh))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	cookies := cookiesByName(rec)
	require.Contains(t, cookies, CookieRefreshToken)
	assert.NotEqual(t, refresh, cookies[CookieRefreshToken].Value)
	assert.Equal(t, 10800, cookies[CookieRefreshToken].MaxAge)

	sess, err := f.tokens.VerifyRefresh(cookies[CookieRefreshToken].Value)
	require.NoError(t, err)
	assert.Equal(t, email, sess.Email)
}

func TestRenew_FlagButNotNearExpiry(t *testing.T) {
	f := newFixture(t)
	email := "user@x.edu"

	refresh, err := f.tokens.IssueRefresh(email, 180*time.Minute)
	require.NoError(t, err)

	f.profile(email, liveProfile(email, "1"))

	rec := f.do("GET", "/auth/renew", `{"renewRefreshToken":true}`, withAppKey, withRefresh(refresh))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, cookiesByName(rec), CookieRefreshToken)
}

func TestRenew_IneligibleUser(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, email string)
	}{
		{name: "no profile", setup: func(f *fixture, email string) { f.noProfile(email) }},
		{name: "deleted", setup: func(f *fixture, email string) {
			p := liveProfile(email, "1")
			p.Deleted = true
			f.profile(email, p)
		}},
		{name: "locked", setup: func(f *fixture, email string) {
			p := liveProfile(email, "1")
			p.Locked = true
			f.profile(email, p)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			email := "user@x.edu"

			refresh, err := f.tokens.IssueRefresh(email, 15*time.Minute)
			require.NoError(t, err)

			tt.setup(f, email)

			rec := f.do("GET", "/auth/renew", `{"renewRefreshToken":true}`, withAppKey, withRefresh(refresh))
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestRenew_Checks(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/auth/renew", "", withAppKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do("GET", "/auth/renew", "", withAppKey, withRefresh("garbage"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	refresh, err := f.tokens.IssueRefresh("user@x.edu", time.Hour)
	require.NoError(t, err)

	rec = f.do("GET", "/auth/renew", `{"renewRefreshToken":"yes"}`, withAppKey, withRefresh(refresh))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- POST /auth/login ---

func TestLogin_Checks(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/auth/login", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do("POST", "/auth/login", "", withHeader(HeaderServerKey, "unknown"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	key := NewAdminKey("gone", models.AccountAdmin, f.clock.Now())
	require.NoError(t, f.state.CreateAdminKey(key))
	require.NoError(t, f.state.DeleteAdminKey(key.ID))

	rec = f.do("POST", "/auth/login", "", withHeader(HeaderServerKey, key.ID))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
