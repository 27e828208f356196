package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clientdesk/internal/auth"
	"clientdesk/internal/clients"
	"clientdesk/internal/iban"
	"clientdesk/internal/ids"
	"clientdesk/internal/storage"
	"clientdesk/internal/upload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
	pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")
)

const allowedOrigin = "http://localhost:5173"

// HandlersTestSuite drives the full router against an in-memory database.
type HandlersTestSuite struct {
	suite.Suite
	db      *storage.DB
	router  http.Handler
	store   *upload.DiskStore
	handler *Handlers
	seq     int
}

func (suite *HandlersTestSuite) SetupTest() {
	suite.setup(1000, 1000)
}

func (suite *HandlersTestSuite) setup(rate float64, burst int) {
	db, err := storage.NewDB(":memory:")
	require.NoError(suite.T(), err, "failed to create test database")
	suite.db = db

	gen, err := ids.NewGenerator(1)
	require.NoError(suite.T(), err)

	store, err := upload.NewDiskStore(suite.T().TempDir())
	require.NoError(suite.T(), err)
	suite.store = store

	authSvc := auth.NewService(db, db, auth.BcryptHasher{Cost: bcrypt.MinCost}, gen,
		auth.Options{SessionTTL: time.Hour, Rolling: true}, nil)
	uploads := upload.NewHandler(upload.Config{MaxSize: 4096}, store, nil)
	clientSvc := clients.NewService(db, uploads, gen, clients.Options{}, nil)

	suite.handler = NewHandlers(authSvc, clientSvc, uploads, map[string]Pinger{"database": db},
		Options{AllowedOrigin: allowedOrigin, AuthRate: rate, AuthBurst: burst}, nil)
	suite.router = suite.handler.Routes()
}

func (suite *HandlersTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func (suite *HandlersTestSuite) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	suite.router.ServeHTTP(rec, req)
	return rec
}

func (suite *HandlersTestSuite) doJSON(method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return suite.do(req, cookie)
}

func (suite *HandlersTestSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	require.NoError(suite.T(), json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

// login registers userName and returns its session cookie.
func (suite *HandlersTestSuite) login(userName string) *http.Cookie {
	body := `{"userName":"` + userName + `","password":"secret1"}`
	rec := suite.doJSON(http.MethodPost, "/api/user/register", body, nil)
	require.Equal(suite.T(), http.StatusCreated, rec.Code, rec.Body.String())

	rec = suite.doJSON(http.MethodPost, "/api/user/login", body, nil)
	require.Equal(suite.T(), http.StatusOK, rec.Code, rec.Body.String())
	cookie := sessionCookie(rec)
	require.NotNil(suite.T(), cookie)
	return cookie
}

func (suite *HandlersTestSuite) clientForm(fields map[string]string, filename string, data []byte) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(suite.T(), mw.WriteField(k, v))
	}
	if data != nil {
		w, err := mw.CreateFormFile("idPhoto", filename)
		require.NoError(suite.T(), err)
		_, err = w.Write(data)
		require.NoError(suite.T(), err)
	}
	require.NoError(suite.T(), mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/client/create-client", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (suite *HandlersTestSuite) validFields(secondName string) map[string]string {
	suite.seq++
	return map[string]string{
		"firstName":  "Jonas",
		"secondName": secondName,
		"iban":       "LT1210000111010" + strings.Repeat("0", 4) + string(rune('0'+suite.seq%10)),
		"idNumber":   "3900101000" + string(rune('0'+suite.seq%10)),
	}
}

// createClient creates a client and returns its JSON representation.
func (suite *HandlersTestSuite) createClient(cookie *http.Cookie, secondName string) map[string]any {
	rec := suite.do(suite.clientForm(suite.validFields(secondName), "id.png", pngBytes), cookie)
	require.Equal(suite.T(), http.StatusCreated, rec.Code, rec.Body.String())
	body := suite.decode(rec)
	assert.Equal(suite.T(), "Client successfully created", body["message"])
	return body["data"].(map[string]any)
}

func (suite *HandlersTestSuite) TestRegister() {
	rec := suite.doJSON(http.MethodPost, "/api/user/register", `{"userName":"alice","password":"secret1"}`, nil)
	require.Equal(suite.T(), http.StatusCreated, rec.Code)

	body := suite.decode(rec)
	assert.Equal(suite.T(), "alice", body["userName"])
	assert.IsType(suite.T(), "", body["id"], "ids travel as strings")
	assert.NotContains(suite.T(), rec.Body.String(), "password")
}

func (suite *HandlersTestSuite) TestRegisterDuplicate() {
	body := `{"userName":"alice","password":"secret1"}`
	require.Equal(suite.T(), http.StatusCreated, suite.doJSON(http.MethodPost, "/api/user/register", body, nil).Code)

	rec := suite.doJSON(http.MethodPost, "/api/user/register", body, nil)
	assert.Equal(suite.T(), http.StatusConflict, rec.Code)
	assert.Equal(suite.T(), "Username is already registered", suite.decode(rec)["message"])
}

func (suite *HandlersTestSuite) TestRegisterBadRequests() {
	tests := []struct {
		name string
		body string
	}{
		{"short password", `{"userName":"alice","password":"12345"}`},
		{"short user name", `{"userName":"al","password":"secret1"}`},
		{"missing fields", `{}`},
		{"empty body", ``},
		{"malformed", `{"userName":`},
		{"unknown field", `{"userName":"alice","password":"secret1","admin":true}`},
		{"two objects", `{"userName":"alice","password":"secret1"}{}`},
		{"wrong type", `{"userName":42,"password":"secret1"}`},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			rec := suite.doJSON(http.MethodPost, "/api/user/register", tt.body, nil)
			assert.Equal(suite.T(), http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(suite.T(), suite.decode(rec)["message"])
		})
	}
}

func (suite *HandlersTestSuite) TestLoginFailuresLookTheSame() {
	suite.login("alice")

	wrong := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"alice","password":"nope-nope"}`, nil)
	unknown := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"bob","password":"secret1"}`, nil)

	assert.Equal(suite.T(), http.StatusUnauthorized, wrong.Code)
	assert.Equal(suite.T(), http.StatusUnauthorized, unknown.Code)
	assert.Equal(suite.T(), wrong.Body.String(), unknown.Body.String())
	assert.Equal(suite.T(), "Incorrect login details", suite.decode(wrong)["message"])
	assert.Nil(suite.T(), sessionCookie(wrong))
}

func (suite *HandlersTestSuite) TestFailedReloginKeepsSession() {
	cookie := suite.login("alice")

	rec := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"alice","password":"mistyped"}`, cookie)
	require.Equal(suite.T(), http.StatusUnauthorized, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), cookie)
	assert.Equal(suite.T(), http.StatusOK, rec.Code, "a failed login must not end the current session")
}

func (suite *HandlersTestSuite) TestReloginReplacesSession() {
	old := suite.login("alice")

	rec := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"alice","password":"secret1"}`, old)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	fresh := sessionCookie(rec)
	require.NotNil(suite.T(), fresh)
	assert.NotEqual(suite.T(), old.Value, fresh.Value)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), old)
	assert.Equal(suite.T(), http.StatusUnauthorized, rec.Code)
	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), fresh)
	assert.Equal(suite.T(), http.StatusOK, rec.Code)
}

func (suite *HandlersTestSuite) TestLoginSetsSessionCookie() {
	suite.doJSON(http.MethodPost, "/api/user/register", `{"userName":"alice","password":"secret1"}`, nil)
	rec := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"alice","password":"secret1"}`, nil)
	require.Equal(suite.T(), http.StatusOK, rec.Code)

	body := suite.decode(rec)
	assert.Equal(suite.T(), "alice", body["userName"])
	assert.NotEmpty(suite.T(), body["id"])

	cookie := sessionCookie(rec)
	require.NotNil(suite.T(), cookie)
	assert.True(suite.T(), cookie.HttpOnly)
	assert.Equal(suite.T(), http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(suite.T(), "/", cookie.Path)
	assert.InDelta(suite.T(), time.Hour.Seconds(), cookie.MaxAge, 5)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Equal(suite.T(), "alice", suite.decode(rec)["userName"])
}

func (suite *HandlersTestSuite) TestCheckUserWithoutSession() {
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, rec.Code)
	assert.Equal(suite.T(), "Not authenticated", suite.decode(rec)["message"])

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil),
		&http.Cookie{Name: SessionCookieName, Value: "forged"})
	assert.Equal(suite.T(), http.StatusUnauthorized, rec.Code)
	cleared := sessionCookie(rec)
	require.NotNil(suite.T(), cleared, "invalid session cookie should be cleared")
	assert.Less(suite.T(), cleared.MaxAge, 0)
}

func (suite *HandlersTestSuite) TestLogout() {
	cookie := suite.login("alice")

	rec := suite.do(httptest.NewRequest(http.MethodPost, "/api/user/logout", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Equal(suite.T(), "Logout successful", suite.decode(rec)["message"])
	assert.Less(suite.T(), sessionCookie(rec).MaxAge, 0)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/user/check-user", nil), cookie)
	assert.Equal(suite.T(), http.StatusUnauthorized, rec.Code)
}

func (suite *HandlersTestSuite) TestClientRoutesRequireSession() {
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/client/clients"},
		{http.MethodGet, "/api/client/123"},
		{http.MethodPost, "/api/client/create-client"},
		{http.MethodPut, "/api/client/123/balance"},
		{http.MethodDelete, "/api/client/123"},
		{http.MethodGet, "/api/client/generate-iban"},
	}
	for _, p := range paths {
		rec := suite.do(httptest.NewRequest(p.method, p.path, nil), nil)
		assert.Equal(suite.T(), http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}
}

func (suite *HandlersTestSuite) TestCreateClient() {
	cookie := suite.login("alice")
	data := suite.createClient(cookie, "Adams")

	assert.Equal(suite.T(), float64(0), data["wallet"])
	assert.Equal(suite.T(), "Adams", data["secondName"])
	assert.IsType(suite.T(), "", data["user"])

	photo := data["idPhoto"].(string)
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/photos/"+photo, nil), nil)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Equal(suite.T(), "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(suite.T(), pngBytes, rec.Body.Bytes())
}

func (suite *HandlersTestSuite) TestCreateClientTrailingSlash() {
	cookie := suite.login("alice")
	req := suite.clientForm(suite.validFields("Adams"), "id.png", pngBytes)
	req.URL.Path = "/api/client/create-client/"
	rec := suite.do(req, cookie)
	assert.Equal(suite.T(), http.StatusCreated, rec.Code, rec.Body.String())
}

func (suite *HandlersTestSuite) TestCreateClientWithoutPhoto() {
	cookie := suite.login("alice")
	rec := suite.do(suite.clientForm(suite.validFields("Adams"), "", nil), cookie)

	require.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	body := suite.decode(rec)
	assert.Equal(suite.T(), "All fields (firstName, secondName, iban, idNumber, idPhoto) are required", body["message"])
	assert.Equal(suite.T(), []any{"idPhoto"}, body["fields"])
}

func (suite *HandlersTestSuite) TestCreateClientRejectsPDF() {
	cookie := suite.login("alice")
	rec := suite.do(suite.clientForm(suite.validFields("Adams"), "id.pdf", pdfBytes), cookie)

	require.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "File upload error: unsupported file type", suite.decode(rec)["message"])

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/clients", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.JSONEq(suite.T(), `[]`, rec.Body.String())
}

func (suite *HandlersTestSuite) TestCreateClientTooLarge() {
	cookie := suite.login("alice")
	big := append(append([]byte{}, pngBytes...), make([]byte, 8192)...)
	rec := suite.do(suite.clientForm(suite.validFields("Adams"), "id.png", big), cookie)

	require.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "File upload error: file too large", suite.decode(rec)["message"])
}

func (suite *HandlersTestSuite) TestCreateClientDuplicateIBAN() {
	cookie := suite.login("alice")
	fields := suite.validFields("Adams")
	rec := suite.do(suite.clientForm(fields, "id.png", pngBytes), cookie)
	require.Equal(suite.T(), http.StatusCreated, rec.Code)

	fields["idNumber"] = "49001010009"
	rec = suite.do(suite.clientForm(fields, "id.png", pngBytes), cookie)
	assert.Equal(suite.T(), http.StatusConflict, rec.Code)
	assert.Equal(suite.T(), "IBAN is already registered", suite.decode(rec)["message"])
}

func (suite *HandlersTestSuite) TestListClientsSorted() {
	cookie := suite.login("alice")
	for _, name := range []string{"Adams", "Zeta", "Bell"} {
		suite.createClient(cookie, name)
	}

	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/client/clients", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(suite.T(), json.Unmarshal(rec.Body.Bytes(), &list))
	var names []string
	for _, c := range list {
		names = append(names, c["secondName"].(string))
	}
	assert.Equal(suite.T(), []string{"Adams", "Bell", "Zeta"}, names)
}

func (suite *HandlersTestSuite) TestGetClient() {
	cookie := suite.login("alice")
	data := suite.createClient(cookie, "Adams")
	id := data["id"].(string)

	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+id, nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Equal(suite.T(), id, suite.decode(rec)["id"])

	for _, bad := range []string{"not-a-number", "0", "99999999999"} {
		rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+bad, nil), cookie)
		assert.Equal(suite.T(), http.StatusNotFound, rec.Code, bad)
		assert.Equal(suite.T(), "Client not found", suite.decode(rec)["message"])
	}
}

func (suite *HandlersTestSuite) TestOtherUsersClientIsHidden() {
	alice := suite.login("alice")
	bob := suite.login("bobby")
	id := suite.createClient(alice, "Adams")["id"].(string)

	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+id, nil), bob)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)

	rec = suite.doJSON(http.MethodPut, "/api/client/"+id+"/balance", `{"wallet": 5}`, bob)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodDelete, "/api/client/"+id, nil), bob)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/clients", nil), bob)
	assert.JSONEq(suite.T(), `[]`, rec.Body.String())
}

func (suite *HandlersTestSuite) TestAdjustBalance() {
	cookie := suite.login("alice")
	id := suite.createClient(cookie, "Adams")["id"].(string)
	path := "/api/client/" + id + "/balance"

	rec := suite.doJSON(http.MethodPut, path, `{"wallet": 10.5}`, cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(suite.T(), 10.5, suite.decode(rec)["wallet"])

	rec = suite.doJSON(http.MethodPut, path, `{"wallet": "-0.5"}`, cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(suite.T(), float64(10), suite.decode(rec)["wallet"])

	rec = suite.doJSON(http.MethodPut, path, `{"wallet": -10.01}`, cookie)
	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "Insufficient balance", suite.decode(rec)["message"])

	for _, body := range []string{`{}`, `{"wallet": 1.005}`, `{"amount": 1}`, `{"wallet": "ten"}`, `{"wallet": 1e500000}`, `{"wallet": 1e13}`} {
		rec = suite.doJSON(http.MethodPut, path, body, cookie)
		assert.Equal(suite.T(), http.StatusBadRequest, rec.Code, body)
	}

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+id, nil), cookie)
	assert.Equal(suite.T(), float64(10), suite.decode(rec)["wallet"])
}

func (suite *HandlersTestSuite) TestConcurrentAdjustments() {
	cookie := suite.login("alice")
	id := suite.createClient(cookie, "Adams")["id"].(string)
	path := "/api/client/" + id + "/balance"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		body := `{"wallet": 2}`
		if i%2 == 1 {
			body = `{"wallet": -1}`
		}
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
			req.AddCookie(cookie)
			rec := httptest.NewRecorder()
			suite.router.ServeHTTP(rec, req)
			assert.Contains(suite.T(), []int{http.StatusOK, http.StatusBadRequest}, rec.Code)
		}(body)
	}
	wg.Wait()

	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+id, nil), cookie)
	wallet := suite.decode(rec)["wallet"].(float64)
	assert.GreaterOrEqual(suite.T(), wallet, float64(0))
	assert.LessOrEqual(suite.T(), wallet, float64(20))
}

func (suite *HandlersTestSuite) TestDeleteClient() {
	cookie := suite.login("alice")
	data := suite.createClient(cookie, "Adams")
	id := data["id"].(string)

	rec := suite.doJSON(http.MethodPut, "/api/client/"+id+"/balance", `{"wallet": 3}`, cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodDelete, "/api/client/"+id, nil), cookie)
	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "Client cannot be deleted unless the balance is 0", suite.decode(rec)["message"])

	rec = suite.doJSON(http.MethodPut, "/api/client/"+id+"/balance", `{"wallet": -3}`, cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodDelete, "/api/client/"+id, nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Equal(suite.T(), "Client deleted successfully", suite.decode(rec)["message"])

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/"+id, nil), cookie)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/photos/"+data["idPhoto"].(string), nil), nil)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code, "photo of a deleted client is removed")
}

func (suite *HandlersTestSuite) TestGenerateIBAN() {
	cookie := suite.login("alice")

	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/client/generate-iban", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	value := suite.decode(rec)["iban"].(string)
	assert.True(suite.T(), strings.HasPrefix(value, "LT"))
	assert.True(suite.T(), iban.Valid(value))

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/generate-iban?country=DE", nil), cookie)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Len(suite.T(), suite.decode(rec)["iban"], 22)

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/api/client/generate-iban?country=1", nil), cookie)
	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
}

func (suite *HandlersTestSuite) TestPhotoNotFound() {
	for _, name := range []string{"missing.png", "..%2Fsecret"} {
		rec := suite.do(httptest.NewRequest(http.MethodGet, "/photos/"+name, nil), nil)
		assert.Equal(suite.T(), http.StatusNotFound, rec.Code, name)
	}
}

func (suite *HandlersTestSuite) TestHealthAndMetrics() {
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.JSONEq(suite.T(), `{"status":"ok","checks":{"database":"ok"}}`, rec.Body.String())

	rec = suite.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), nil)
	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Contains(suite.T(), rec.Body.String(), "clientdesk_http_requests_total")
}

func (suite *HandlersTestSuite) TestHealthReportsFailure() {
	suite.handler.checks = map[string]Pinger{"redis": failingPinger{}}
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	assert.Equal(suite.T(), http.StatusServiceUnavailable, rec.Code)
	assert.Equal(suite.T(), "degraded", suite.decode(rec)["status"])
}

func (suite *HandlersTestSuite) TestMiddlewareHeaders() {
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	assert.NotEmpty(suite.T(), rec.Header().Get(RequestIDHeader))
	assert.Equal(suite.T(), "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(suite.T(), "DENY", rec.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "0b9c2a4e-7d2f-4d8e-9b1a-2f3c4d5e6f70")
	rec = suite.do(req, nil)
	assert.Equal(suite.T(), "0b9c2a4e-7d2f-4d8e-9b1a-2f3c4d5e6f70", rec.Header().Get(RequestIDHeader))
}

func (suite *HandlersTestSuite) TestCORSPreflight() {
	req := httptest.NewRequest(http.MethodOptions, "/api/client/clients", nil)
	req.Header.Set("Origin", allowedOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := suite.do(req, nil)

	assert.Less(suite.T(), rec.Code, 300)
	assert.Equal(suite.T(), allowedOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(suite.T(), "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/api/client/clients", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = suite.do(req, nil)
	assert.Empty(suite.T(), rec.Header().Get("Access-Control-Allow-Origin"))
}

func (suite *HandlersTestSuite) TestAuthRateLimit() {
	suite.TearDownTest()
	suite.setup(0.001, 3)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := suite.doJSON(http.MethodPost, "/api/user/login", `{"userName":"alice","password":"secret1"}`, nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(suite.T(), []int{401, 401, 401, 429, 429}, codes)

	// Other routes are not limited.
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	assert.Equal(suite.T(), http.StatusOK, rec.Code)
}

func (suite *HandlersTestSuite) TestUnknownRoute() {
	rec := suite.do(httptest.NewRequest(http.MethodGet, "/api/nothing", nil), nil)
	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)
	assert.Equal(suite.T(), "application/json", rec.Header().Get("Content-Type"))
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestRecoverMiddleware(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, Options{}, nil)
	handler := h.RequestID(h.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"Unable to reach server"}`, string(body))
}

func TestRateLimiterDisabled(t *testing.T) {
	tests := []struct {
		name  string
		rate  float64
		burst int
	}{
		{"Zero rate", 0, 10},
		{"Zero burst", 0.001, 0},
		{"Both zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(tt.rate, tt.burst, zap.NewNop().Sugar())
			handler := rl.Middleware(func(w http.ResponseWriter, _ *http.Request, _ error) {
				w.WriteHeader(http.StatusTooManyRequests)
			})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))

			for i := 0; i < 50; i++ {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/user/login", nil))
				require.Equal(t, http.StatusNoContent, rec.Code, "request %d", i)
			}
		})
	}
}
