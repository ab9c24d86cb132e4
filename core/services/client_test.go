package services_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fair_platform/core/auth"
	"fair_platform/core/feedback"
	"fair_platform/core/lifecycle"
	"fair_platform/core/schema"
	"fair_platform/core/services"
	"fair_platform/core/storage"
	"fair_platform/core/store"
	"fair_platform/core/testutil"

	"github.com/go-chi/chi/v5"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{api: api, method: method, endpoint: endpoint}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.code, e.body)
}

func statusOf(err error) int {
	if serr, ok := err.(*statusError); ok {
		return serr.code
	}
	return 0
}

// Do sends the request; response bodies of 200 and 202 replies are decoded
// into result when it is not nil.
func (r *httpTestRequest) Do(result interface{}) error {
	var body io.Reader
	if r.json != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(r.json); err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		body = buf
	}

	req := httptest.NewRequest(r.method, r.endpoint, body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return &statusError{code: res.StatusCode, body: w.Body.String()}
	}

	if result != nil {
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}
	return nil
}

type client struct {
	api   chi.Router
	token string
}

func (c client) request(method, endpoint string) *httpTestRequest {
	req := newHttpTestRequest(c.api, method, endpoint)
	if c.token != "" {
		req.Header(auth.AccessTokenHeader, c.token)
	}
	return req
}

func (c client) Get(endpoint string) *httpTestRequest {
	return c.request(http.MethodGet, endpoint)
}

func (c client) Post(endpoint string) *httpTestRequest {
	return c.request(http.MethodPost, endpoint)
}

func (c client) Patch(endpoint string) *httpTestRequest {
	return c.request(http.MethodPatch, endpoint)
}

func (c client) Delete(endpoint string) *httpTestRequest {
	return c.request(http.MethodDelete, endpoint)
}

// tokenProvider resolves each token to a fixed principal; unknown tokens are
// rejected and "unbound" resolves to no identity.
type tokenProvider map[string]schema.Principal

func (p tokenProvider) ResolveToken(ctx context.Context, token string) (*schema.Principal, error) {
	if token == "unbound" {
		return nil, nil
	}
	principal, ok := p[token]
	if !ok {
		return nil, fmt.Errorf("unknown token")
	}
	return &principal, nil
}

type testEnv struct {
	api        chi.Router
	store      *store.Store
	dispatcher *testutil.Dispatcher
	storage    storage.Storage
	jobAuth    *auth.JwtManager
}

func setupTestEnv(t *testing.T) *testEnv {
	s := store.New(testutil.OpenDB(t))
	stub := testutil.NewDispatcher()

	aggregator := feedback.NewAggregator(s, stub, feedback.DefaultThresholds())
	engine := lifecycle.New(s, stub, lifecycle.Options{Corrections: aggregator})

	provider := tokenProvider{
		"alice": testutil.Alice,
		"bob":   testutil.Bob,
		"admin": testutil.Admin,
	}
	userAuth := auth.NewAuthenticator(provider, s, 0)
	jobAuth := auth.NewJwtManager([]byte("job-secret"), time.Hour)

	shared := storage.NewSharedDisk(t.TempDir())

	fair := services.NewFair(s, engine, aggregator, shared, userAuth, jobAuth, auth.NewAuditLogger(new(bytes.Buffer)), services.Variables{RequeueBudget: 2})
	return &testEnv{api: fair.Routes(), store: s, dispatcher: stub, storage: shared, jobAuth: jobAuth}
}

func (env *testEnv) client(token string) client {
	return client{api: env.api, token: token}
}

// jobCallback posts a callback with the token issued to jobName.
func (env *testEnv) jobCallback(jobName, endpoint string, body interface{}) error {
	token, err := env.jobAuth.CreateJobToken(jobName)
	if err != nil {
		return err
	}
	req := newHttpTestRequest(env.api, http.MethodPost, endpoint).Header("Authorization", "Bearer "+token)
	if body != nil {
		req = req.Json(body)
	}
	return req.Do(nil)
}
